package ws

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/codexkb/server/engine"
	"github.com/codexkb/server/rpc"
	"github.com/codexkb/server/store"
)

// codeWaitTimeout reports a notebook.wait that elapsed before the event
// reached a terminal status.
const codeWaitTimeout = -32001

func (h *rpcMethodHandler) handlePublish(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.PublishParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	eventID, err := h.engine.PublishEvent(notebookID, params.EventType, params.Payload)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.PublishResult{EventID: eventID})
}

func (h *rpcMethodHandler) handlePublishBatch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.PublishBatchParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	items := make([]store.BatchItem, len(params.Items))
	for i, item := range params.Items {
		items[i] = store.BatchItem{EventType: item.EventType, Payload: item.Payload}
	}

	correlationID, err := h.engine.PublishBatch(notebookID, items)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.PublishBatchResult{CorrelationID: correlationID})
}

func (h *rpcMethodHandler) handleSupersede(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.SupersedeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	n, err := h.engine.SupersedePending(notebookID, params.Path)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.SupersedeResult{Superseded: n})
}

func (h *rpcMethodHandler) handleWait(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.WaitParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	timeout := time.Duration(params.TimeoutMs) * time.Millisecond
	ev, err := h.engine.WaitForEvent(ctx, notebookID, params.EventID, timeout)
	if errors.Is(err, engine.ErrWaitTimeout) {
		h.replyError(ctx, conn, req.ID, codeWaitTimeout, err.Error())
		return
	}
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.WaitResult{Event: ev})
}

func (h *rpcMethodHandler) handleEventGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.EventGetParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	ev, err := st.GetEvent(params.EventID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.EventGetResult{Event: ev})
}

func (h *rpcMethodHandler) handleSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	handle, err := h.engine.Subscribe(notebookID, NewJSONRPCNotifier(conn))
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}

	h.state.trackHandle(handle)
	h.log.Debug("subscribed to change stream", "notebook", notebookID, "handle", handle)
	h.reply(ctx, conn, req.ID, rpc.SubscribeResult{ID: handle})
}

func (h *rpcMethodHandler) handleUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.UnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "id is required")
		return
	}

	if err := h.engine.Unsubscribe(notebookID, params.ID); err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.state.untrackHandle(params.ID)
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleMetrics(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	m, err := h.engine.Metrics(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, m)
}

func (h *rpcMethodHandler) handleCleanup(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.CleanupParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	n, err := h.engine.CleanupOldEvents(ctx, notebookID, params.OlderThanDays)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.CleanupResult{Deleted: n})
}

// replyStoreError maps store and engine errors onto JSON-RPC error codes.
func (h *rpcMethodHandler) replyStoreError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error) {
	code := int64(jsonrpc2.CodeInternalError)
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidPayload),
		errors.Is(err, store.ErrOutsideRoot),
		errors.Is(err, engine.ErrUnknownNotebook):
		code = jsonrpc2.CodeInvalidParams
	}
	h.replyError(ctx, conn, id, code, err.Error())
}
