// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket
// communication. These types represent the params and result structures for
// all RPC methods.
package rpc

import (
	"github.com/codexkb/server/broadcast"
	"github.com/codexkb/server/engine"
	"github.com/codexkb/server/git"
	"github.com/codexkb/server/store"
)

// Client → Server

type AuthParams struct {
	Token      string `json:"token"`
	NotebookID int64  `json:"notebook_id"`
}

type AuthResult struct {
	Version    string `json:"version"`
	NotebookID int64  `json:"notebook_id"`
	Root       string `json:"root"`
}

// Event namespace

type PublishParams struct {
	EventType string        `json:"event_type"`
	Payload   store.Payload `json:"payload"`
}

type PublishResult struct {
	EventID int64 `json:"event_id"`
}

type PublishBatchParams struct {
	Items []PublishItem `json:"items"`
}

type PublishItem struct {
	EventType string        `json:"event_type"`
	Payload   store.Payload `json:"payload"`
}

type PublishBatchResult struct {
	CorrelationID string `json:"correlation_id"`
}

type SupersedeParams struct {
	Path string `json:"path"`
}

type SupersedeResult struct {
	Superseded int `json:"superseded"`
}

type WaitParams struct {
	EventID   int64 `json:"event_id"`
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

type WaitResult struct {
	Event *store.Event `json:"event"`
}

type EventGetParams struct {
	EventID int64 `json:"event_id"`
}

type EventGetResult struct {
	Event *store.Event `json:"event"`
}

// Change stream

type SubscribeResult struct {
	ID string `json:"id"`
}

type UnsubscribeParams struct {
	ID string `json:"id"`
}

// ChangedParams is the payload of the notebook.changed notification.
type ChangedParams = broadcast.ChangeEvent

// Maintenance

type MetricsResult = engine.Metrics

type CleanupParams struct {
	OlderThanDays int `json:"older_than_days,omitempty"`
}

type CleanupResult struct {
	Deleted int `json:"deleted"`
}

// File namespace

type FileGetParams struct {
	Path string `json:"path"`
}

type FileGetResult struct {
	File *store.FileRecord `json:"file"`
}

type FileListParams struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

type FileListResult struct {
	Files []store.FileRecord `json:"files"`
	Total int                `json:"total"`
}

type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type SearchResult struct {
	Files []store.FileRecord `json:"files"`
}

// Tag namespace

type TagCreateParams struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type TagCreateResult struct {
	Tag *store.Tag `json:"tag"`
}

type TagDeleteParams struct {
	Name string `json:"name"`
}

type TagListResult struct {
	Tags []store.Tag `json:"tags"`
}

type TagFileParams struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type TagFilesParams struct {
	Name string `json:"name"`
}

type TagFilesResult struct {
	Files []store.FileRecord `json:"files"`
}

// Git namespace

type GitLogParams struct {
	Limit int `json:"limit,omitempty"` // default 50
}

type GitLogResult struct {
	Commits []git.CommitInfo `json:"commits"`
}

type GitHeadResult struct {
	Hash string `json:"hash"`
}
