package ws

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/codexkb/server/broadcast"
)

// changedMethod is the notification sent for each applied change.
const changedMethod = "notebook.changed"

// JSONRPCNotifier adapts jsonrpc2.Conn to the broadcast.Notifier interface.
type JSONRPCNotifier struct {
	conn *jsonrpc2.Conn
}

var _ broadcast.Notifier = (*JSONRPCNotifier)(nil)

func NewJSONRPCNotifier(conn *jsonrpc2.Conn) *JSONRPCNotifier {
	return &JSONRPCNotifier{conn: conn}
}

func (n *JSONRPCNotifier) Notify(ctx context.Context, ev broadcast.ChangeEvent) error {
	return n.conn.Notify(ctx, changedMethod, ev)
}
