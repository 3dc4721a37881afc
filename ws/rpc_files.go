package ws

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/codexkb/server/git"
	"github.com/codexkb/server/rpc"
)

func (h *rpcMethodHandler) handleFileGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.FileGetParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	rec, err := st.GetFile(params.Path)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.FileGetResult{File: rec})
}

func (h *rpcMethodHandler) handleFileList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.FileListParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}

	files, err := st.ListFiles(params.Offset, params.Limit)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	total, err := st.CountFiles()
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.FileListResult{Files: files, Total: total})
}

func (h *rpcMethodHandler) handleSearch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.SearchParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	files, err := st.Search(params.Query, params.Limit)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.SearchResult{Files: files})
}

func (h *rpcMethodHandler) handleTagCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.TagCreateParams
	if err := unmarshalParams(req, &params); err != nil || params.Name == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "name is required")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	tag, err := st.CreateTag(params.Name, params.Color)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.TagCreateResult{Tag: tag})
}

func (h *rpcMethodHandler) handleTagDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.TagDeleteParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	if err := st.DeleteTag(params.Name); err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleTagList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	tags, err := st.ListTags()
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.TagListResult{Tags: tags})
}

func (h *rpcMethodHandler) handleTagAdd(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.TagFileParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	if err := st.TagFile(params.Path, params.Name); err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleTagRemove(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.TagFileParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	if err := st.UntagFile(params.Path, params.Name); err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleTagFiles(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.TagFilesParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	st, err := h.engine.Store(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	files, err := st.FilesByTag(params.Name)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.TagFilesResult{Files: files})
}

func (h *rpcMethodHandler) handleGitLog(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	var params rpc.GitLogParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}

	root, err := h.engine.Root(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	commits, err := git.Log(root, params.Limit)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}
	h.reply(ctx, conn, req.ID, rpc.GitLogResult{Commits: commits})
}

func (h *rpcMethodHandler) handleGitHead(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notebookID int64) {
	root, err := h.engine.Root(notebookID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err)
		return
	}
	hash, err := git.HeadHash(root)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}
	h.reply(ctx, conn, req.ID, rpc.GitHeadResult{Hash: hash})
}
