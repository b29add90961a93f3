package conversation

import (
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// consume applies live events until the channel ends. The cache has already
// mirrored each event by the time it arrives here.
func (m *MessageList) consume(ch *cache.Channel) {
	for evt := range ch.Events() {
		switch evt.Kind {
		case remote.EventNewMessage:
			m.onNewMessage(evt.Message, evt.PreviousID)
		case remote.EventReadReceipt:
			m.onReadReceipt(evt.UntilMessageID)
		case remote.EventEditedMessage, remote.EventDeletedMessage:
			m.onUpdated(evt.Message)
		case remote.EventError:
			m.Flash.Set(evt.Reason, m.flashTTL)
		}
		m.signalRefresh()
	}
	m.onChannelEnded(ch)
}

func (m *MessageList) onNewMessage(msg store.Message, previousID *int64) {
	if msg.IsSentBy(m.deps.UserID) {
		m.mu.RLock()
		sender := m.sender
		m.mu.RUnlock()
		if sender != nil {
			sender.Ack(msg)
		}
	}
	if m.appendLive(msg, previousID) {
		return
	}
	// The message does not attach to the window's tail; fetch the gap.
	go func() { _ = m.LoadMore(m.ctx) }()
}

// appendLive appends msg when it directly follows the last displayed
// message. A message already in the window is updated in place.
func (m *MessageList) appendLive(msg store.Message, previousID *int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexLocked(msg.ID); i >= 0 {
		msg.IsRead = msg.IsRead || m.messages[i].IsRead
		m.messages[i] = msg
		return true
	}
	n := len(m.messages)
	attached := n == 0 && previousID == nil
	if n > 0 && previousID != nil && *previousID == m.messages[n-1].ID {
		attached = true
	}
	if !attached {
		m.reachedEnd = false
		return false
	}
	m.messages = append(m.messages, msg)
	m.reachedEnd = true
	m.updateFirstUnreadLocked()
	return true
}

func (m *MessageList) onReadReceipt(untilID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.ID <= untilID && msg.IsSentBy(m.deps.UserID) {
			msg.IsRead = true
		}
	}
}

// onUpdated applies an edit or delete. Rows outside the window are
// acknowledged as read instead of being loaded.
func (m *MessageList) onUpdated(msg store.Message) {
	m.mu.Lock()
	i := m.indexLocked(msg.ID)
	if i >= 0 {
		cur := m.messages[i]
		cur.Text = msg.Text
		if msg.EditedAt != nil {
			cur.EditedAt = msg.EditedAt
		}
		if msg.DeletedAt != nil {
			cur.DeletedAt = msg.DeletedAt
		}
		m.messages[i] = cur
	}
	m.mu.Unlock()

	if i < 0 && !msg.IsSentBy(m.deps.UserID) {
		m.ReadMessages(msg.ID)
	}
}

// onChannelEnded switches the list to read-only when the channel dies
// without Close being called.
func (m *MessageList) onChannelEnded(ch *cache.Channel) {
	m.mu.Lock()
	if m.channel != ch {
		m.mu.Unlock()
		return
	}
	err := ch.Err()
	if err == nil {
		err = remote.ErrChannelDisconnected
	}
	sender := m.sender
	m.channel, m.sender = nil, nil
	m.setupErr = err
	m.mu.Unlock()

	if sender != nil {
		sender.Stop()
	}
	_ = ch.Close()
	m.logger.Info("live channel ended", zap.Error(err))
	if errors.Is(err, remote.ErrUnauthorized) {
		m.handleErr(m.ctx, "live channel", err)
		return
	}
	m.Flash.Set(remote.UserMessage(err), m.flashTTL)
	m.signalRefresh()
}

func (m *MessageList) indexLocked(id int64) int {
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].ID == id {
			return i
		}
	}
	return -1
}
