package queue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lodestone-search/lodestone/internal/errors"
)

const (
	journalName = "embedding.log"
	ackName     = "embedding.ack"
)

// journal is the append-only durability log backing one store's embedding
// queue. Each line is one JSON-encoded job; the ack sidecar records the
// byte offset of the fully-processed prefix. When the queue drains the
// log is compacted back to zero.
type journal struct {
	logPath string
	ackPath string
	f       *os.File
	offset  int64
	acked   int64
}

// openJournal opens (or creates) the journal in dir and replays any jobs
// past the acknowledged offset. A torn tail write from a crash is
// truncated away.
func openJournal(dir string) (*journal, []queuedJob, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(errors.KindInternal, "create queue directory", err)
	}

	logPath := filepath.Join(dir, journalName)
	ackPath := filepath.Join(dir, ackName)

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindInternal, "open queue journal", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(errors.KindInternal, "stat queue journal", err)
	}

	acked := readAckOffset(ackPath)
	if acked < 0 || acked > info.Size() {
		acked = 0
	}
	if _, err := f.Seek(acked, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(errors.KindInternal, "seek queue journal", err)
	}

	offset := acked
	var jobs []queuedJob
	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var job Job
			if jerr := json.Unmarshal(trimmed, &job); jerr != nil {
				// Torn tail from an interrupted append; drop it.
				break
			}
			offset += int64(len(line))
			jobs = append(jobs, queuedJob{Job: job, end: offset})
		} else {
			offset += int64(len(line))
		}
		if rerr != nil {
			break
		}
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(errors.KindInternal, "truncate queue journal", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(errors.KindInternal, "seek queue journal", err)
	}

	j := &journal{
		logPath: logPath,
		ackPath: ackPath,
		f:       f,
		offset:  offset,
		acked:   acked,
	}
	if err := j.ensureTerminated(); err != nil {
		f.Close()
		return nil, nil, err
	}
	return j, jobs, nil
}

// ensureTerminated appends a newline if a replayed final record lacked
// one, so the next append starts a fresh line.
func (j *journal) ensureTerminated() error {
	if j.offset == 0 {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := j.f.ReadAt(buf, j.offset-1); err != nil {
		return errors.Wrap(errors.KindInternal, "read queue journal tail", err)
	}
	if buf[0] == '\n' {
		return nil
	}
	if _, err := j.f.Write([]byte("\n")); err != nil {
		return errors.Wrap(errors.KindInternal, "terminate queue journal record", err)
	}
	j.offset++
	return nil
}

// append writes one job record and returns the journal offset at which
// the record ends; that offset acknowledges the record once processed.
func (j *journal) append(job Job) (int64, error) {
	line, err := json.Marshal(job)
	if err != nil {
		return 0, errors.Wrap(errors.KindInternal, "encode queue job", err)
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		return 0, errors.Wrap(errors.KindInternal, "append queue job", err)
	}
	if err := j.f.Sync(); err != nil {
		return 0, errors.Wrap(errors.KindInternal, "sync queue journal", err)
	}
	j.offset += int64(len(line))
	return j.offset, nil
}

// ack records that everything up to end has been processed. Callers pass
// the end of the contiguous completed prefix; offsets only move forward.
func (j *journal) ack(end int64) error {
	if end <= j.acked {
		return nil
	}
	j.acked = end
	tmp := j.ackPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(end, 10)), 0o644); err != nil {
		return errors.Wrap(errors.KindInternal, "write queue ack offset", err)
	}
	if err := os.Rename(tmp, j.ackPath); err != nil {
		return errors.Wrap(errors.KindInternal, "replace queue ack offset", err)
	}
	return nil
}

// compact resets the journal once the queue has fully drained.
func (j *journal) compact() error {
	if err := j.f.Truncate(0); err != nil {
		return errors.Wrap(errors.KindInternal, "compact queue journal", err)
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(errors.KindInternal, "rewind queue journal", err)
	}
	j.offset = 0
	j.acked = 0
	if err := os.Remove(j.ackPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindInternal, "remove queue ack offset", err)
	}
	return nil
}

func (j *journal) close() error {
	return j.f.Close()
}

func readAckOffset(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
