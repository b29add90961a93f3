package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// ToEndLimit is the page size of catch-up queries.
const ToEndLimit = 100

// MessagesAPI fetches message pages from the server.
type MessagesAPI interface {
	GetMessages(ctx context.Context, contactID int64, anchor store.Anchor, limit int) (remote.MessagesPage, error)
}

// Query selects a page of messages.
type Query struct {
	Anchor store.Anchor
	// Limit of zero means store.DefaultLimit, or ToEndLimit for ToEnd.
	Limit int
	// ToEnd marks a catch-up query; it is always answered by the server so
	// the caller sees history that arrived while it was offline.
	ToEnd bool
}

func (q Query) limit() int {
	switch {
	case q.Limit > 0:
		return q.Limit
	case q.ToEnd:
		return ToEndLimit
	}
	return store.DefaultLimit
}

func (q Query) readsCache() bool {
	if q.ToEnd {
		return false
	}
	switch q.Anchor.Kind {
	case store.AnchorNone, store.AnchorBefore, store.AnchorAfter:
		return true
	}
	return false
}

// Page is a page of messages. A page served from the cache carries no
// neighbour ids: whether more history exists is unknown.
type Page struct {
	remote.MessagesPage
	FromCache bool
}

// GetMessages reads pages through the cache. Plain queries are served from
// the cache when it has anything for them; everything else goes to the
// server and the result is offered to the write gate.
type GetMessages struct {
	api    MessagesAPI
	store  MessageStore
	cache  *Messages
	userID int64
	logger *zap.Logger
}

func NewGetMessages(api MessagesAPI, s MessageStore, cache *Messages, userID int64, logger *zap.Logger) *GetMessages {
	return &GetMessages{api: api, store: s, cache: cache, userID: userID, logger: logging.OrNop(logger)}
}

func (g *GetMessages) Get(ctx context.Context, contactID int64, q Query) (Page, error) {
	limit := q.limit()
	if q.readsCache() {
		msgs, err := g.store.RetrieveMessages(ctx, q.Anchor, contactID, g.userID, limit)
		if err != nil {
			g.logger.Warn("cache read failed", zap.Int64("contact_id", contactID), zap.Error(err))
		} else if len(msgs) > 0 {
			return Page{MessagesPage: remote.MessagesPage{Items: msgs}, FromCache: true}, nil
		}
	}

	page, err := g.api.GetMessages(ctx, contactID, q.Anchor, limit)
	if err != nil {
		return Page{}, err
	}
	g.cache.CacheMessages(ctx, page.Items, page.PreviousID, page.NextID, contactID, g.userID)
	return Page{MessagesPage: page}, nil
}
