package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Socket is a live per-contact channel; *remote.Channel implements it.
type Socket interface {
	Events() <-chan remote.Event
	Err() error
	SendText(ctx context.Context, text string) error
	MarkReadUntil(ctx context.Context, messageID int64) error
	EditMessage(ctx context.Context, messageID int64, text string) error
	DeleteMessage(ctx context.Context, messageID int64) error
	Close() error
}

// Channel wraps a Socket and mirrors every inbound event into the cache
// before forwarding it. New messages go through the write gate attached to
// the message that preceded them on the server; edits and deletes only
// touch rows already cached.
type Channel struct {
	sock      Socket
	contactID int64
	userID    int64
	messages  *Messages
	reads     *ReadMessages
	store     MessageStore
	logger    *zap.Logger

	events chan remote.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewChannel(sock Socket, contactID, userID int64, messages *Messages, reads *ReadMessages, s MessageStore, logger *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		sock:      sock,
		contactID: contactID,
		userID:    userID,
		messages:  messages,
		reads:     reads,
		store:     s,
		logger:    logging.OrNop(logger).With(zap.Int64("contact_id", contactID)),
		events:    make(chan remote.Event, cap(sock.Events())),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.pump(ctx)
	return c
}

func (c *Channel) pump(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	for {
		select {
		case evt, ok := <-c.sock.Events():
			if !ok {
				return
			}
			c.mirror(ctx, evt)
			select {
			case c.events <- evt:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) mirror(ctx context.Context, evt remote.Event) {
	switch evt.Kind {
	case remote.EventNewMessage:
		c.messages.CacheMessages(ctx, []store.Message{evt.Message}, evt.PreviousID, nil, c.contactID, c.userID)
	case remote.EventReadReceipt:
		c.reads.ReadCachedMessagesSentByCurrentUser(ctx, c.contactID, evt.UntilMessageID)
	case remote.EventEditedMessage, remote.EventDeletedMessage:
		if _, err := c.store.UpdateMessage(ctx, evt.Message, c.userID); err != nil {
			c.logger.Warn("failed to cache message update", zap.Int64("message_id", evt.Message.ID), zap.Error(err))
		}
	case remote.EventError:
		c.logger.Info("channel error", zap.String("reason", evt.Reason))
	}
}

// Events returns the mirrored event stream. It is closed when the socket
// ends or Close is called.
func (c *Channel) Events() <-chan remote.Event {
	return c.events
}

// Err reports why the underlying socket ended.
func (c *Channel) Err() error {
	return c.sock.Err()
}

func (c *Channel) SendText(ctx context.Context, text string) error {
	return c.sock.SendText(ctx, text)
}

// MarkReadUntil acknowledges over the channel and advances the cached cursor.
func (c *Channel) MarkReadUntil(ctx context.Context, messageID int64) error {
	if err := c.sock.MarkReadUntil(ctx, messageID); err != nil {
		return err
	}
	c.reads.ReadCachedMessagesNotSentByCurrentUser(ctx, c.contactID, messageID)
	return nil
}

func (c *Channel) EditMessage(ctx context.Context, messageID int64, text string) error {
	return c.sock.EditMessage(ctx, messageID, text)
}

func (c *Channel) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.sock.DeleteMessage(ctx, messageID)
}

// Close stops mirroring and closes the socket.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.sock.Close()
		<-c.done
	})
	return err
}
