package clearance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultInvalidationSubject is the NATS subject invalidations are published on.
const DefaultInvalidationSubject = "tierd.clearance.invalidate"

// Invalidation tells every instance to drop a user's cached clearance.
type Invalidation struct {
	UserID     string `json:"user_id"`
	OverrideID string `json:"override_id,omitempty"`
	Reason     string `json:"reason"`
}

// Broadcaster fans out invalidations to other instances.
type Broadcaster interface {
	Publish(ctx context.Context, inv Invalidation) error
	Subscribe(ctx context.Context, handle func(Invalidation)) (unsubscribe func() error, err error)
}

// NATSBroadcaster publishes invalidations over core NATS.
type NATSBroadcaster struct {
	nc      *nats.Conn
	subject string
}

// NewNATSBroadcaster uses nc for publishing. An empty subject uses
// DefaultInvalidationSubject.
func NewNATSBroadcaster(nc *nats.Conn, subject string) *NATSBroadcaster {
	if subject == "" {
		subject = DefaultInvalidationSubject
	}
	return &NATSBroadcaster{nc: nc, subject: subject}
}

// Publish sends inv and flushes so the message has left this process before
// the caller acknowledges the override decision.
func (b *NATSBroadcaster) Publish(ctx context.Context, inv Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers decoded invalidations to handle until unsubscribe is
// called or ctx is done. Undecodable messages are dropped.
func (b *NATSBroadcaster) Subscribe(ctx context.Context, handle func(Invalidation)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var inv Invalidation
		if err := json.Unmarshal(msg.Data, &inv); err != nil || inv.UserID == "" {
			return
		}
		handle(inv)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return sub.Unsubscribe, nil
}
