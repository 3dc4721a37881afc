// Package ws exposes the engine over JSON-RPC 2.0 on WebSocket. Each
// connection authenticates first, binds to one notebook, and can then
// publish events, query metadata and subscribe to the change stream.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/codexkb/server/engine"
	"github.com/codexkb/server/logger"
	"github.com/codexkb/server/rpc"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token   string
	version string
	devMode bool
	engine  *engine.Engine
}

func NewRPCHandler(token, version string, devMode bool, eng *engine.Engine) *RPCHandler {
	return &RPCHandler{
		token:   token,
		version: version,
		devMode: devMode,
		engine:  eng,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	stream := newWebSocketStream(conn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(r.Context(), stream, connID)
}

// HandleStream runs the JSON-RPC loop over any object stream. Exported so
// tests can drive connections without a real socket.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID:  connID,
		log:     log,
		handles: make(map[string]struct{}),
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup(h.engine)
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state: the bound notebook after auth
// and the subscription handles to release on disconnect.
type rpcConnState struct {
	mu         sync.Mutex
	connID     string
	conn       *jsonrpc2.Conn
	log        *slog.Logger
	notebookID int64
	bound      bool
	handles    map[string]struct{}
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *rpcConnState) bind(notebookID int64) {
	s.mu.Lock()
	s.notebookID = notebookID
	s.bound = true
	s.mu.Unlock()
}

func (s *rpcConnState) notebook() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notebookID, s.bound
}

func (s *rpcConnState) trackHandle(id string) {
	s.mu.Lock()
	s.handles[id] = struct{}{}
	s.mu.Unlock()
}

func (s *rpcConnState) untrackHandle(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *rpcConnState) cleanup(eng *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		for id := range s.handles {
			eng.Unsubscribe(s.notebookID, id)
		}
	}
	s.handles = nil
}

type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	notebookID, bound := h.state.notebook()
	if !bound {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "no notebook bound")
		return
	}

	switch req.Method {
	// notebook namespace: the durable queue and its change stream
	case "notebook.publish":
		h.handlePublish(ctx, conn, req, notebookID)
	case "notebook.publishBatch":
		h.handlePublishBatch(ctx, conn, req, notebookID)
	case "notebook.supersede":
		h.handleSupersede(ctx, conn, req, notebookID)
	case "notebook.wait":
		h.handleWait(ctx, conn, req, notebookID)
	case "notebook.event":
		h.handleEventGet(ctx, conn, req, notebookID)
	case "notebook.subscribe":
		h.handleSubscribe(ctx, conn, req, notebookID)
	case "notebook.unsubscribe":
		h.handleUnsubscribe(ctx, conn, req, notebookID)
	case "notebook.metrics":
		h.handleMetrics(ctx, conn, req, notebookID)
	case "notebook.cleanup":
		h.handleCleanup(ctx, conn, req, notebookID)
	// file namespace: metadata reads
	case "file.get":
		h.handleFileGet(ctx, conn, req, notebookID)
	case "file.list":
		h.handleFileList(ctx, conn, req, notebookID)
	case "file.search":
		h.handleSearch(ctx, conn, req, notebookID)
	// tag namespace
	case "tag.create":
		h.handleTagCreate(ctx, conn, req, notebookID)
	case "tag.delete":
		h.handleTagDelete(ctx, conn, req, notebookID)
	case "tag.list":
		h.handleTagList(ctx, conn, req, notebookID)
	case "tag.add":
		h.handleTagAdd(ctx, conn, req, notebookID)
	case "tag.remove":
		h.handleTagRemove(ctx, conn, req, notebookID)
	case "tag.files":
		h.handleTagFiles(ctx, conn, req, notebookID)
	// git namespace: history reads
	case "git.log":
		h.handleGitLog(ctx, conn, req, notebookID)
	case "git.head":
		h.handleGitHead(ctx, conn, req, notebookID)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	root, err := h.engine.Root(params.NotebookID)
	if err != nil {
		h.log.Warn("notebook not found", "notebook", params.NotebookID, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "notebook not found")
		conn.Close()
		return
	}

	h.state.bind(params.NotebookID)
	h.setAuthenticated()
	h.log.Info("authenticated", "notebook", params.NotebookID, "root", root)

	result := rpc.AuthResult{
		Version:    h.version,
		NotebookID: params.NotebookID,
		Root:       root,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func (h *rpcMethodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, result any) {
	if err := conn.Reply(ctx, id, result); err != nil {
		h.log.Error("failed to send response", "error", err)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// writeTimeout bounds one outgoing frame; a peer that stops reading long
// enough to exceed it gets its connection closed rather than a stuck writer.
const writeTimeout = 10 * time.Second

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
