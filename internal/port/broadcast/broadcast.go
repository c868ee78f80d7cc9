// Package broadcast defines the port for broadcasting real-time progress
// events to connected clients.
package broadcast

import "context"

// Broadcaster sends typed progress events to all connected clients. Delivery
// is best-effort and purely informational.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards every event.
type Nop struct{}

// BroadcastEvent does nothing.
func (Nop) BroadcastEvent(context.Context, string, any) {}
