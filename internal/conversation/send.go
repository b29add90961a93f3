package conversation

import (
	"context"
	"strings"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/outbox"
)

// Send queues text for delivery. The window is first caught up with the
// server so the local message lands after every message sent before it.
func (m *MessageList) Send(ctx context.Context, text string) (outbox.Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return outbox.Entry{}, nil
	}
	if _, err := m.liveChannel(); err != nil {
		return outbox.Entry{}, err
	}
	if err := m.drainMore(ctx); err != nil {
		return outbox.Entry{}, err
	}

	m.mu.RLock()
	sender := m.sender
	m.mu.RUnlock()
	if sender == nil {
		return outbox.Entry{}, ErrReadOnly
	}
	e := sender.Enqueue(text)
	m.signalRefresh()
	return e, nil
}

// drainMore pages forward until the server reports no next message. Each
// step runs under the LoadMore flight key, so a send made while LoadMore is
// pending waits for that fetch instead of requesting the same page.
func (m *MessageList) drainMore(ctx context.Context) error {
	for {
		m.mu.Lock()
		before := len(m.messages)
		m.reachedEnd = false
		m.mu.Unlock()

		_, err, _ := m.group.Do("more", func() (any, error) {
			return nil, m.loadMore(ctx, true)
		})
		if err != nil {
			return err
		}

		m.mu.RLock()
		done := m.reachedEnd || len(m.messages) == before
		m.mu.RUnlock()
		if done {
			return nil
		}
	}
}

// Retry re-queues a failed send.
func (m *MessageList) Retry(clientID string) bool {
	m.mu.RLock()
	sender := m.sender
	m.mu.RUnlock()
	if sender == nil {
		return false
	}
	return sender.Retry(clientID)
}

// Edit replaces the text of a message. The change shows up when the server
// echoes it on the channel.
func (m *MessageList) Edit(ctx context.Context, messageID int64, text string) error {
	ch, err := m.liveChannel()
	if err != nil {
		return err
	}
	if err := ch.EditMessage(ctx, messageID, text); err != nil {
		m.handleErr(ctx, "edit message", err)
		return err
	}
	return nil
}

// Delete soft-deletes a message.
func (m *MessageList) Delete(ctx context.Context, messageID int64) error {
	ch, err := m.liveChannel()
	if err != nil {
		return err
	}
	if err := ch.DeleteMessage(ctx, messageID); err != nil {
		m.handleErr(ctx, "delete message", err)
		return err
	}
	return nil
}

func (m *MessageList) liveChannel() (*cache.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.closed:
		return nil, ErrClosed
	case m.channel == nil:
		return nil, ErrReadOnly
	}
	return m.channel, nil
}
