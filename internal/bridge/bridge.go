// Package bridge reconciles live room membership with the durable session
// record. The registry is the source of truth for who is here now; the
// durable store is a best-effort historical ledger, so storage failures are
// logged and swallowed rather than surfaced to the presence path.
package bridge

import (
	"context"

	"go.uber.org/zap"

	"codelab/internal/registry"
)

// ParticipantStore is the slice of the durable store the bridge needs.
type ParticipantStore interface {
	AddParticipant(ctx context.Context, roomID, userID string) error
}

type Bridge struct {
	store ParticipantStore
	reg   *registry.Registry
	log   *zap.Logger
}

func New(store ParticipantStore, reg *registry.Registry, log *zap.Logger) *Bridge {
	return &Bridge{store: store, reg: reg, log: log}
}

// EnsureParticipant appends userID to the session's durable participants set
// if absent. A missing record (e.g. a stale client joining a room that was
// deleted) or a storage hiccup never blocks live collaboration.
func (b *Bridge) EnsureParticipant(ctx context.Context, roomID, userID string) {
	if err := b.store.AddParticipant(ctx, roomID, userID); err != nil {
		b.log.Error("persist participant failed",
			zap.String("roomId", roomID),
			zap.String("userId", userID),
			zap.Error(err))
	}
}

// ActiveCount reports the live occupancy of a room, as opposed to the
// durable total-ever-joined participant count.
func (b *Bridge) ActiveCount(roomID string) int {
	return b.reg.ActiveCount(roomID)
}

// Counts reports live occupancy for all rooms, used to annotate session
// summaries.
func (b *Bridge) Counts() map[string]int {
	return b.reg.Counts()
}
