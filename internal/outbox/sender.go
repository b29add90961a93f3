package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/store"
)

// TextSender writes a text command on a live channel.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// State is the delivery state of an outbound message.
type State string

const (
	Queued  State = "queued"
	Sending State = "sending"
	Sent    State = "sent"
	Failed  State = "failed"
)

// Entry is one outbound message in the pending log.
type Entry struct {
	ClientID  string
	ContactID int64
	Text      string
	State     State
	Err       error
	QueuedAt  time.Time
}

// Sender writes outbound messages for one contact strictly in the order they
// were queued. Entries stay in the pending log until the server echoes them
// back (Ack) or they are discarded.
type Sender struct {
	contactID int64
	sender    TextSender
	bus       *bus.Bus
	logger    *zap.Logger
	timeout   time.Duration

	mu      sync.Mutex
	entries []*Entry

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultSendTimeout bounds a single channel write.
const DefaultSendTimeout = 10 * time.Second

// NewSender creates a sender for contactID writing through s.
func NewSender(contactID int64, s TextSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		contactID: contactID,
		sender:    s,
		bus:       b,
		logger:    logging.OrNop(logger).With(zap.Int64("contact_id", contactID)),
		timeout:   DefaultSendTimeout,
		wake:      make(chan struct{}, 1),
	}
}

// Start begins draining queued entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight write to return.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Enqueue appends a message to the pending log and returns its entry.
func (s *Sender) Enqueue(text string) Entry {
	e := &Entry{
		ClientID:  uuid.NewString(),
		ContactID: s.contactID,
		Text:      text,
		State:     Queued,
		QueuedAt:  time.Now(),
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	s.signal()
	return *e
}

// Retry re-queues a failed entry.
func (s *Sender) Retry(clientID string) bool {
	s.mu.Lock()
	e := s.findLocked(clientID)
	ok := e != nil && e.State == Failed
	if ok {
		e.State = Queued
		e.Err = nil
	}
	s.mu.Unlock()
	if ok {
		s.signal()
	}
	return ok
}

// Discard drops a failed entry from the log.
func (s *Sender) Discard(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.entries, func(e *Entry) bool { return e.ClientID == clientID && e.State == Failed })
	if i < 0 {
		return false
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	return true
}

// Ack matches a message echoed by the server with the oldest entry written
// to the channel and removes that entry from the log. The echo may overtake
// the write's return, so entries still sending also match. It reports false
// when no entry was waiting, e.g. for a message sent from another device.
func (s *Sender) Ack(m store.Message) (Entry, bool) {
	s.mu.Lock()
	i := slices.IndexFunc(s.entries, func(e *Entry) bool { return e.State == Sending || e.State == Sent })
	if i < 0 {
		s.mu.Unlock()
		return Entry{}, false
	}
	e := *s.entries[i]
	s.entries = slices.Delete(s.entries, i, i+1)
	s.mu.Unlock()

	s.logger.Debug("message acknowledged", zap.String("client_id", e.ClientID), zap.Int64("message_id", m.ID))
	s.bus.Emit(bus.KindMessageSendAck, map[string]any{
		"client_id":  e.ClientID,
		"contact_id": s.contactID,
		"message_id": m.ID,
	})
	return e, true
}

// Pending returns a snapshot of the log in queue order.
func (s *Sender) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	for {
		e, ok := s.nextQueued()
		if !ok || ctx.Err() != nil {
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.sender.SendText(sendCtx, e.Text)
		cancel()

		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_id", e.ClientID))
			s.setState(e.ClientID, Failed, err)
			s.bus.Emit(bus.KindMessageSendFailed, map[string]any{
				"client_id":  e.ClientID,
				"contact_id": s.contactID,
				"error":      err.Error(),
			})
			continue
		}
		s.setState(e.ClientID, Sent, nil)
		s.logger.Info("message sent", zap.String("client_id", e.ClientID))
	}
}

func (s *Sender) nextQueued() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.State == Queued {
			e.State = Sending
			return *e, true
		}
	}
	return Entry{}, false
}

func (s *Sender) setState(clientID string, st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findLocked(clientID); e != nil {
		e.State = st
		e.Err = err
	}
}

func (s *Sender) findLocked(clientID string) *Entry {
	for _, e := range s.entries {
		if e.ClientID == clientID {
			return e
		}
	}
	return nil
}
