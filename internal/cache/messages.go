// Package cache decides what server and channel data is written to the
// local store. Message pages are only persisted when they provably attach to
// history already held, so the cached window of a contact never contains a
// gap it cannot detect.
package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/store"
)

// MessageStore is the part of *store.Store the message caches use.
type MessageStore interface {
	Do(ctx context.Context, fn func(*store.DB) error) error
	RetrieveMessages(ctx context.Context, anchor store.Anchor, contactID, userID int64, limit int) ([]store.Message, error)
	UpdateMessagesRead(ctx context.Context, untilID, contactID, userID int64, dir store.Direction) error
	UpdateMessage(ctx context.Context, m store.Message, userID int64) (bool, error)
}

// Cached is the payload of bus.KindMessageCached events.
type Cached struct {
	ContactID int64
	IDs       []int64
}

// Messages is the write gate in front of the message table.
type Messages struct {
	store  MessageStore
	bus    *bus.Bus
	logger *zap.Logger
}

func NewMessages(s MessageStore, b *bus.Bus, logger *zap.Logger) *Messages {
	return &Messages{store: s, bus: b, logger: logging.OrNop(logger)}
}

// CacheMessages persists a page of a contact's messages when it is safe to:
// a page with neither neighbour id is self-contained and always written; a
// page claiming a neighbour is written only if that neighbour is already
// cached, or if nothing is cached for the contact yet. It reports whether the
// page was written. Storage failures are logged, never returned.
func (m *Messages) CacheMessages(ctx context.Context, msgs []store.Message, previousID, nextID *int64, contactID, userID int64) bool {
	if len(msgs) == 0 {
		return false
	}

	var persisted bool
	// Probe and write run as one job so no other write lands in between.
	err := m.store.Do(ctx, func(db *store.DB) error {
		ok, err := adjacent(db, previousID, nextID, contactID, userID)
		if err != nil || !ok {
			return err
		}
		if err := db.SaveMessages(msgs, contactID, userID); err != nil {
			return err
		}
		persisted = true
		return nil
	})

	log := m.logger.With(
		zap.Int64("contact_id", contactID),
		zap.Int64("first_id", msgs[0].ID),
		zap.Int("count", len(msgs)))
	switch {
	case err != nil:
		log.Warn("failed to cache messages", zap.Error(err))
	case !persisted:
		log.Debug("page not cached: no adjacent history",
			zap.Int64p("previous_id", previousID),
			zap.Int64p("next_id", nextID))
	default:
		ids := make([]int64, 0, len(msgs))
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
		}
		m.bus.Emit(bus.KindMessageCached, Cached{ContactID: contactID, IDs: ids})
	}
	return persisted
}

func adjacent(db *store.DB, previousID, nextID *int64, contactID, userID int64) (bool, error) {
	if previousID == nil && nextID == nil {
		return true, nil
	}
	for _, id := range []*int64{previousID, nextID} {
		if id == nil {
			continue
		}
		neighbour, err := db.RetrieveMessage(*id, userID)
		if err != nil {
			return false, err
		}
		if neighbour != nil {
			return true, nil
		}
	}
	cached, err := db.AtLeastOneMessage(userID, contactID)
	if err != nil {
		return false, err
	}
	return !cached, nil
}
