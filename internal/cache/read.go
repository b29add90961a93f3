package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/store"
)

// ReadAPI acknowledges read messages on the server.
type ReadAPI interface {
	ReadMessages(ctx context.Context, contactID, untilID int64) error
}

// ReadMessages mirrors read-state changes into the cache. The server is the
// source of truth: cache updates are best effort and their failures are only
// logged.
type ReadMessages struct {
	api    ReadAPI
	store  MessageStore
	userID int64
	logger *zap.Logger
}

func NewReadMessages(api ReadAPI, s MessageStore, userID int64, logger *zap.Logger) *ReadMessages {
	return &ReadMessages{api: api, store: s, userID: userID, logger: logging.OrNop(logger)}
}

// ReadMessagesSentByOthers acknowledges the other side's messages up to
// untilID on the server, then advances the cached read cursor.
func (r *ReadMessages) ReadMessagesSentByOthers(ctx context.Context, contactID, untilID int64) error {
	if err := r.api.ReadMessages(ctx, contactID, untilID); err != nil {
		return err
	}
	r.ReadCachedMessagesNotSentByCurrentUser(ctx, contactID, untilID)
	return nil
}

// ReadCachedMessagesNotSentByCurrentUser advances the cached cursor of the
// other side's messages, for acknowledgements sent over the channel.
func (r *ReadMessages) ReadCachedMessagesNotSentByCurrentUser(ctx context.Context, contactID, untilID int64) {
	r.update(ctx, contactID, untilID, store.SentByOthers)
}

// ReadCachedMessagesSentByCurrentUser advances the cached cursor of the
// user's own messages after a read receipt from the other side.
func (r *ReadMessages) ReadCachedMessagesSentByCurrentUser(ctx context.Context, contactID, untilID int64) {
	r.update(ctx, contactID, untilID, store.SentByMe)
}

func (r *ReadMessages) update(ctx context.Context, contactID, untilID int64, dir store.Direction) {
	if err := r.store.UpdateMessagesRead(ctx, untilID, contactID, r.userID, dir); err != nil {
		r.logger.Warn("failed to cache read state",
			zap.Int64("contact_id", contactID),
			zap.Int64("until_id", untilID),
			zap.Stringer("direction", dir),
			zap.Error(err))
	}
}
