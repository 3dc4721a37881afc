package ws

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/codexkb/server/engine"
	"github.com/codexkb/server/rpc"
	"github.com/codexkb/server/store"
)

const testToken = "secret-token"

// pipeStream is an in-memory jsonrpc2.ObjectStream; two of them form a
// bidirectional pipe so tests can drive connections without a socket.
type pipeStream struct {
	in     <-chan json.RawMessage
	out    chan<- json.RawMessage
	closed chan struct{}
	once   *sync.Once
}

func newPipeStreams() (client, server jsonrpc2.ObjectStream) {
	toServer := make(chan json.RawMessage, 64)
	toClient := make(chan json.RawMessage, 64)
	closed := make(chan struct{})
	once := new(sync.Once)

	client = &pipeStream{in: toClient, out: toServer, closed: closed, once: once}
	server = &pipeStream{in: toServer, out: toClient, closed: closed, once: once}
	return client, server
}

func (s *pipeStream) ReadObject(v interface{}) error {
	select {
	case data := <-s.in:
		return json.Unmarshal(data, v)
	case <-s.closed:
		return io.EOF
	}
}

func (s *pipeStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *pipeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// notificationSink records server-initiated notifications.
type notificationSink struct {
	mu    sync.Mutex
	notes []jsonrpc2.Request
}

func (n *notificationSink) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		return
	}
	n.mu.Lock()
	n.notes = append(n.notes, *req)
	n.mu.Unlock()
}

func (n *notificationSink) byMethod(method string) []jsonrpc2.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []jsonrpc2.Request
	for _, req := range n.notes {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func newTestConn(t *testing.T) (*jsonrpc2.Conn, *notificationSink, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	eng := engine.New(engine.Config{
		CommitInterval: 100 * time.Millisecond,
		BatchInterval:  50 * time.Millisecond,
		WatchDebounce:  20 * time.Millisecond,
	})
	t.Cleanup(eng.Shutdown)

	if err := eng.OpenNotebook(1, t.TempDir()); err != nil {
		t.Fatalf("OpenNotebook: %v", err)
	}
	root, err := eng.Root(1)
	if err != nil {
		t.Fatal(err)
	}

	handler := NewRPCHandler(testToken, "test", false, eng)
	clientStream, serverStream := newPipeStreams()

	go handler.HandleStream(context.Background(), serverStream, "test-conn")

	sink := &notificationSink{}
	conn := jsonrpc2.NewConn(context.Background(), clientStream, jsonrpc2.AsyncHandler(sink))
	t.Cleanup(func() { conn.Close() })

	return conn, sink, root
}

func authenticate(t *testing.T, conn *jsonrpc2.Conn) rpc.AuthResult {
	t.Helper()
	var result rpc.AuthResult
	err := conn.Call(context.Background(), "auth", rpc.AuthParams{Token: testToken, NotebookID: 1}, &result)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	return result
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAuthMustBeFirst(t *testing.T) {
	conn, _, _ := newTestConn(t)

	var result rpc.MetricsResult
	err := conn.Call(context.Background(), "notebook.metrics", struct{}{}, &result)
	if err == nil {
		t.Fatal("unauthenticated request succeeded")
	}
	if !strings.Contains(err.Error(), "auth") {
		t.Errorf("error %q does not mention auth", err)
	}
}

func TestAuthInvalidToken(t *testing.T) {
	conn, _, _ := newTestConn(t)

	var result rpc.AuthResult
	err := conn.Call(context.Background(), "auth", rpc.AuthParams{Token: "wrong", NotebookID: 1}, &result)
	if err == nil {
		t.Fatal("auth with bad token succeeded")
	}
}

func TestAuthUnknownNotebook(t *testing.T) {
	conn, _, _ := newTestConn(t)

	var result rpc.AuthResult
	err := conn.Call(context.Background(), "auth", rpc.AuthParams{Token: testToken, NotebookID: 99}, &result)
	if err == nil {
		t.Fatal("auth against unknown notebook succeeded")
	}
}

func TestPublishWaitAndGet(t *testing.T) {
	conn, _, root := newTestConn(t)
	auth := authenticate(t, conn)
	if auth.NotebookID != 1 {
		t.Fatalf("bound to notebook %d, want 1", auth.NotebookID)
	}

	writeFile(t, root, "a.md", "---\ntitle: Alpha\n---\nbody")

	var pub rpc.PublishResult
	err := conn.Call(context.Background(), "notebook.publish", rpc.PublishParams{
		EventType: store.EventCreated,
		Payload:   store.Payload{Path: "a.md"},
	}, &pub)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	var wait rpc.WaitResult
	err = conn.Call(context.Background(), "notebook.wait", rpc.WaitParams{
		EventID:   pub.EventID,
		TimeoutMs: 10000,
	}, &wait)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if wait.Event.Status != store.StatusCompleted {
		t.Fatalf("event status %s, want COMPLETED (error %q)", wait.Event.Status, wait.Event.ErrorMessage)
	}

	var got rpc.FileGetResult
	err = conn.Call(context.Background(), "file.get", rpc.FileGetParams{Path: "a.md"}, &got)
	if err != nil {
		t.Fatalf("file.get: %v", err)
	}
	if got.File.Title != "Alpha" {
		t.Errorf("title %q, want Alpha", got.File.Title)
	}
}

func TestPublishInvalidPayloadRejected(t *testing.T) {
	conn, _, _ := newTestConn(t)
	authenticate(t, conn)

	var pub rpc.PublishResult
	err := conn.Call(context.Background(), "notebook.publish", rpc.PublishParams{
		EventType: store.EventCreated,
		Payload:   store.Payload{Path: "../escape.md"},
	}, &pub)
	if err == nil {
		t.Fatal("escaping path accepted")
	}
}

func TestSubscribeReceivesChanged(t *testing.T) {
	conn, sink, root := newTestConn(t)
	authenticate(t, conn)

	var sub rpc.SubscribeResult
	if err := conn.Call(context.Background(), "notebook.subscribe", struct{}{}, &sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("empty subscription handle")
	}

	writeFile(t, root, "a.md", "content")
	var pub rpc.PublishResult
	if err := conn.Call(context.Background(), "notebook.publish", rpc.PublishParams{
		EventType: store.EventCreated,
		Payload:   store.Payload{Path: "a.md"},
	}, &pub); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, note := range sink.byMethod("notebook.changed") {
			var ev rpc.ChangedParams
			if err := json.Unmarshal(*note.Params, &ev); err != nil {
				t.Fatal(err)
			}
			if ev.Path == "a.md" && ev.Kind == "created" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("notebook.changed notification never arrived")
}

func TestTagRoundtrip(t *testing.T) {
	conn, _, root := newTestConn(t)
	authenticate(t, conn)

	writeFile(t, root, "a.md", "content")
	var pub rpc.PublishResult
	if err := conn.Call(context.Background(), "notebook.publish", rpc.PublishParams{
		EventType: store.EventCreated,
		Payload:   store.Payload{Path: "a.md"},
	}, &pub); err != nil {
		t.Fatal(err)
	}
	var wait rpc.WaitResult
	if err := conn.Call(context.Background(), "notebook.wait", rpc.WaitParams{EventID: pub.EventID, TimeoutMs: 10000}, &wait); err != nil {
		t.Fatal(err)
	}

	if err := conn.Call(context.Background(), "tag.add", rpc.TagFileParams{Path: "a.md", Name: "inbox"}, &struct{}{}); err != nil {
		t.Fatalf("tag.add: %v", err)
	}

	var files rpc.TagFilesResult
	if err := conn.Call(context.Background(), "tag.files", rpc.TagFilesParams{Name: "inbox"}, &files); err != nil {
		t.Fatalf("tag.files: %v", err)
	}
	if len(files.Files) != 1 || files.Files[0].Path != "a.md" {
		t.Errorf("tagged files %v, want [a.md]", files.Files)
	}
}

func TestMethodNotFound(t *testing.T) {
	conn, _, _ := newTestConn(t)
	authenticate(t, conn)

	err := conn.Call(context.Background(), "bogus.method", struct{}{}, &struct{}{})
	if err == nil {
		t.Fatal("unknown method succeeded")
	}
	if !strings.Contains(err.Error(), "method not found") {
		t.Errorf("error %q lacks method-not-found", err)
	}
}
