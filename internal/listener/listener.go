// Package listener hosts the trigger sources: the HTTP webhook server
// (with the Slack events endpoint), the Slack socket-mode client, the
// Telegram long-poller, and the file watcher. Every listener normalizes
// inbound payloads into trigger.IncomingMessage and hands them to one
// shared handler.
package listener

import (
	"context"

	"engine/internal/trigger"
)

// MessageHandler receives every normalized inbound message.
type MessageHandler func(msg *trigger.IncomingMessage)

// Listener is one trigger source.
type Listener interface {
	Name() string
	// Start begins receiving. It returns once the listener is running;
	// delivery happens on background goroutines until Stop or ctx
	// cancellation.
	Start(ctx context.Context) error
	Stop() error
	// SendResponse routes text back to the origin of a previously
	// delivered message. Sources without a reply channel return nil.
	SendResponse(original *trigger.IncomingMessage, text string) error
}
