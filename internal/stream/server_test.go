package stream

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-search/lodestone/internal/chunk"
	"github.com/lodestone-search/lodestone/internal/embed"
	"github.com/lodestone-search/lodestone/internal/pipeline"
	"github.com/lodestone-search/lodestone/internal/search"
	"github.com/lodestone-search/lodestone/internal/sparse"
	"github.com/lodestone-search/lodestone/internal/store"
)

const testDims = 32

type streamFixture struct {
	server *Server
	stores *store.Manager
}

func startServer(t *testing.T, mutate func(*Options)) *streamFixture {
	t.Helper()

	embedder := embed.NewStaticEmbedder(testDims)
	m, err := store.NewManager(store.Options{
		DataRoot:      t.TempDir(),
		SparseBackend: sparse.BackendSQLite,
		Dimensions:    testDims,
		Embedder:      embedder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	p := pipeline.New(pipeline.Options{Stores: m, Chunker: chunk.New(chunk.Options{})})
	e := search.NewEngine(search.EngineOptions{Stores: m, Embedder: embedder})

	opts := Options{
		Addr:      "127.0.0.1:0",
		Pipeline:  p,
		Engine:    e,
		Stores:    m,
		BatchIdle: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond)

	return &streamFixture{server: srv, stores: m}
}

// settle flushes a store's write queues so searches observe everything
// already admitted.
func (f *streamFixture) settle(t *testing.T, storeName string) {
	t.Helper()
	h, err := f.stores.Get(storeName)
	require.NoError(t, err)
	require.NoError(t, h.SparseQueue.Flush(context.Background()))
	require.NoError(t, h.Embeddings.Flush(context.Background()))
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	dec  *json.Decoder
}

func dial(t *testing.T, f *streamFixture) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", f.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &testClient{t: t, conn: conn, dec: json.NewDecoder(conn)}
}

func (c *testClient) send(frame map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(c.t, err)
}

// read decodes the next server frame and asserts its type.
func (c *testClient) read(wantType string) map[string]any {
	c.t.Helper()
	var frame map[string]any
	require.NoError(c.t, c.dec.Decode(&frame))
	require.Equal(c.t, wantType, frame["type"], "frame: %v", frame)
	return frame
}

func TestServerProvisionsBoundStoreEagerly(t *testing.T) {
	f := startServer(t, nil)

	// The default store exists before any client connects.
	_, err := f.stores.Get("default")
	require.NoError(t, err)

	c := dial(t, f)
	c.send(map[string]any{"type": "stats", "req_id": "s0"})
	c.read(TypeAck)
	stats := c.read(TypeStatsResult)
	assert.Equal(t, float64(0), stats["tracked_files"])
}

func TestSessionAckThenPong(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "ping"})
	ack := c.read(TypeAck)
	assert.NotEmpty(t, ack["conn_id"])
	assert.Equal(t, "default", ack["store"])
	c.read(TypePong)
}

func TestSessionStorePinnedByFirstFrame(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "ping", "store": "demo"})
	ack := c.read(TypeAck)
	assert.Equal(t, "demo", ack["store"])
	c.read(TypePong)
}

func TestFileBatchFlushesOnIdle(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "path": "a.py", "content": "def f():\n    pass\n"})
	c.send(map[string]any{"type": "file", "path": "b.py", "content": "def g():\n    pass\n"})
	c.send(map[string]any{"type": "file", "path": "c.py", "content": "def h():\n    pass\n"})

	c.read(TypeAck)
	indexed := c.read(TypeIndexed)
	assert.Equal(t, float64(3), indexed["files_count"])
	assert.Greater(t, indexed["chunks_queued"], float64(0))
	assert.NotEmpty(t, indexed["batch_id"])
}

func TestFileBatchFlushesOnSize(t *testing.T) {
	f := startServer(t, func(o *Options) { o.BatchSize = 2; o.BatchIdle = time.Hour })
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "path": "a.py", "content": "def f():\n    pass\n"})
	c.send(map[string]any{"type": "file", "path": "b.py", "content": "def g():\n    pass\n"})

	c.read(TypeAck)
	indexed := c.read(TypeIndexed)
	assert.Equal(t, float64(2), indexed["files_count"])
}

func TestSearchRoundTripAndDuplicateReqID(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "path": "a.py", "content": "def authenticate():\n    pass\n"})
	c.read(TypeAck)
	c.read(TypeIndexed)
	f.settle(t, "default")

	c.send(map[string]any{
		"type": "search", "req_id": "q1", "query": "pass",
		"include_content": true,
	})
	results := c.read(TypeResults)
	assert.Equal(t, "q1", results["req_id"])
	assert.Equal(t, "pass", results["query"])
	items, ok := results["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, items)
	first := items[0].(map[string]any)
	assert.Equal(t, "a.py", first["path"])
	assert.Contains(t, first, "doc_id")
	assert.Contains(t, first, "final_score")

	c.send(map[string]any{"type": "search", "req_id": "q1", "query": "pass"})
	errFrame := c.read(TypeError)
	assert.Equal(t, CodeDuplicateReqID, errFrame["code"])
	assert.Equal(t, "q1", errFrame["req_id"])
}

func TestSearchOmittedOptionsKeepDefaults(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "path": "a.py", "content": "def authenticate():\n    pass\n"})
	c.read(TypeAck)
	c.read(TypeIndexed)
	f.settle(t, "default")

	// No include_content/enable_reranking in the frame: the server
	// defaults (both on) apply, so hits carry content.
	c.send(map[string]any{"type": "search", "req_id": "q1", "query": "pass"})
	results := c.read(TypeResults)
	items, ok := results["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, items)
	first := items[0].(map[string]any)
	require.Contains(t, first, "content")
	assert.NotEmpty(t, first["content"])

	// An explicit false still wins over the default.
	c.send(map[string]any{
		"type": "search", "req_id": "q2", "query": "pass",
		"include_content": false,
	})
	results = c.read(TypeResults)
	items = results["results"].([]any)
	require.NotEmpty(t, items)
	first = items[0].(map[string]any)
	assert.NotContains(t, first, "content")
}

func TestDeleteRoundTrip(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "path": "src/a.py", "content": "def f():\n    pass\n"})
	c.send(map[string]any{"type": "file", "path": "docs/b.py", "content": "def g():\n    pass\n"})
	c.read(TypeAck)
	c.read(TypeIndexed)
	f.settle(t, "default")

	c.send(map[string]any{"type": "delete", "req_id": "d1", "path_prefix": "src/"})
	deleted := c.read(TypeDeleted)
	assert.Equal(t, "d1", deleted["req_id"])
	assert.Greater(t, deleted["sparse_deleted"], float64(0))
}

func TestStatsRoundTrip(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "path": "a.py", "content": "def f():\n    pass\n"})
	c.read(TypeAck)
	c.read(TypeIndexed)

	c.send(map[string]any{"type": "stats", "req_id": "s1"})
	stats := c.read(TypeStatsResult)
	assert.Equal(t, "s1", stats["req_id"])
	assert.Equal(t, float64(1), stats["tracked_files"])
	assert.Greater(t, stats["total_size"], float64(0))
	assert.NotEmpty(t, stats["last_updated"])
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "bogus"})
	c.read(TypeAck)
	errFrame := c.read(TypeError)
	assert.Equal(t, "validation", errFrame["code"])
	assert.Nil(t, errFrame["req_id"])
}

func TestFileFrameRequiresPath(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "file", "content": "data"})
	c.read(TypeAck)
	errFrame := c.read(TypeError)
	assert.Equal(t, "validation", errFrame["code"])
}

func TestSearchErrorCarriesReqID(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "search", "req_id": "bad", "query": ""})
	c.read(TypeAck)
	errFrame := c.read(TypeError)
	assert.Equal(t, "validation", errFrame["code"])
	assert.Equal(t, "bad", errFrame["req_id"])
}

func TestSessionSurvivesRequestError(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "search", "req_id": "bad", "query": ""})
	c.read(TypeAck)
	c.read(TypeError)

	// The session is still usable after an error frame.
	c.send(map[string]any{"type": "ping"})
	c.read(TypePong)
}

func TestRequestWithoutReqIDRejected(t *testing.T) {
	f := startServer(t, nil)
	c := dial(t, f)

	c.send(map[string]any{"type": "stats"})
	c.read(TypeAck)
	errFrame := c.read(TypeError)
	assert.Equal(t, "validation", errFrame["code"])
}
