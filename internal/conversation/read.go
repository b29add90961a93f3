package conversation

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// readState coalesces read acknowledgements: the first call arms a timer and
// later calls only raise the pending id.
type readState struct {
	mu      sync.Mutex
	pending int64
	sent    int64
	timer   *time.Timer
	stopped bool
}

func (r *readState) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// ReadMessages acknowledges every message from the other side up to untilID.
// Calls within the debounce window are sent once, with the largest id.
func (m *MessageList) ReadMessages(untilID int64) {
	r := &m.read
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || untilID <= r.sent {
		return
	}
	r.pending = max(r.pending, untilID)
	if r.timer == nil {
		r.timer = time.AfterFunc(m.readDebounce, m.flushRead)
	}
}

func (m *MessageList) flushRead() {
	r := &m.read
	r.mu.Lock()
	untilID := r.pending
	r.timer = nil
	if r.stopped || untilID <= r.sent {
		r.mu.Unlock()
		return
	}
	r.sent = untilID
	r.mu.Unlock()

	if err := m.deps.Reads.ReadMessagesSentByOthers(m.ctx, m.contactID, untilID); err != nil {
		r.mu.Lock()
		if r.sent == untilID {
			r.sent = 0
		}
		r.mu.Unlock()
		m.handleErr(m.ctx, "read messages", err)
		return
	}

	m.mu.Lock()
	markRead(m.messages, untilID, m.deps.UserID)
	m.mu.Unlock()
	m.signalRefresh()
}

func markRead(msgs []store.Message, untilID, userID int64) {
	for i := range msgs {
		if msgs[i].ID <= untilID && !msgs[i].IsSentBy(userID) {
			msgs[i].IsRead = true
		}
	}
}
