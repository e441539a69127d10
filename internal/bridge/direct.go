package bridge

import (
	"context"
	"sync"
)

// Messenger is a privileged call-with-callback link to the extension.
type Messenger interface {
	// Available reports whether this environment offers the direct link at all.
	Available() bool
	// Connected reports whether the extension is currently attached.
	Connected() bool
	// SendMessage delivers msg to the extension identified by extensionID;
	// callback runs once with its reply.
	SendMessage(ctx context.Context, extensionID string, msg Message, callback func(Reply)) error
}

// DirectChannel sends requests through a Messenger.
type DirectChannel struct {
	messenger   Messenger
	extensionID string

	mu   sync.RWMutex
	sink func(Reply)
}

// NewDirectChannel creates a channel addressing extensionID through m.
func NewDirectChannel(m Messenger, extensionID string) *DirectChannel {
	return &DirectChannel{messenger: m, extensionID: extensionID}
}

func (c *DirectChannel) Name() string { return "direct" }

func (c *DirectChannel) Connected() bool { return c.messenger.Connected() }

// Ready fails immediately when the extension is not attached; the direct
// link has no announcement to wait for.
func (c *DirectChannel) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.messenger.Connected() {
		return ErrNotInstalled
	}
	return nil
}

func (c *DirectChannel) Send(ctx context.Context, msg Message) error {
	id := msg.RequestID
	return c.messenger.SendMessage(ctx, c.extensionID, msg, func(r Reply) {
		r.RequestID = id
		c.mu.RLock()
		sink := c.sink
		c.mu.RUnlock()
		if sink != nil {
			sink(r)
		}
	})
}

func (c *DirectChannel) Attach(sink func(Reply)) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}
