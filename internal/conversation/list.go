// Package conversation reconciles one contact's message list: an in-memory
// ordered window fed by cache-aware pages, live channel events and
// optimistic local sends.
package conversation

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	// ErrReadOnly is returned for writes when no live channel is available.
	ErrReadOnly = errors.New("conversation is read-only")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation closed")
)

const (
	DefaultReadDebounce = 300 * time.Millisecond
	DefaultFlashTTL     = 3 * time.Second
)

// ChannelOpener opens live channels; *remote.Client implements it.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, contactID int64) (*remote.Channel, error)
}

// Invalidator forgets the signed-in session; *auth.Session implements it.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Deps are the collaborators of a MessageList.
type Deps struct {
	UserID   int64
	Pages    *cache.GetMessages
	Messages *cache.Messages
	Reads    *cache.ReadMessages
	Store    cache.MessageStore
	Channels ChannelOpener
	Session  Invalidator
	Bus      *bus.Bus
	Logger   *zap.Logger
}

type Option func(*MessageList)

// WithPageSize sets the page size of initial and pagination loads.
func WithPageSize(n int) Option {
	return func(m *MessageList) { m.pageSize = n }
}

// WithReadDebounce sets the window in which read acknowledgements coalesce.
func WithReadDebounce(d time.Duration) Option {
	return func(m *MessageList) { m.readDebounce = d }
}

// WithFlashTTL sets how long error messages stay visible.
func WithFlashTTL(d time.Duration) Option {
	return func(m *MessageList) { m.flashTTL = d }
}

// DisplayedMessage is a row of the list. Pending rows are local sends not yet
// echoed by the server; they carry a client id and no server id.
type DisplayedMessage struct {
	store.Message
	Pending       bool
	ClientID      string
	SendState     outbox.State
	IsFirstUnread bool
}

// MessageList is the view-model of one conversation.
type MessageList struct {
	contactID    int64
	deps         Deps
	logger       *zap.Logger
	pageSize     int
	readDebounce time.Duration
	flashTTL     time.Duration

	status *status.Machine
	group  singleflight.Group

	// Flash carries the latest user-facing error.
	Flash     Flash
	refreshCh chan struct{}

	mu            sync.RWMutex
	messages      []store.Message
	firstUnreadID int64
	hasPrevious   bool
	reachedEnd    bool
	setupErr      error
	channel       *cache.Channel
	sender        *outbox.Sender
	closed        bool

	read readState

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle list for contactID.
func New(contactID int64, deps Deps, opts ...Option) *MessageList {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MessageList{
		contactID:    contactID,
		deps:         deps,
		logger:       logging.OrNop(deps.Logger).With(zap.Int64("contact_id", contactID)),
		pageSize:     store.DefaultLimit,
		readDebounce: DefaultReadDebounce,
		flashTTL:     DefaultFlashTTL,
		status:       status.NewMachine(contactID, deps.Bus),
		refreshCh:    make(chan struct{}, 1),
		hasPrevious:  true,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ContactID returns the contact the list belongs to.
func (m *MessageList) ContactID() int64 {
	return m.contactID
}

// State returns the lifecycle state.
func (m *MessageList) State() status.State {
	return m.status.Current()
}

// RefreshCh signals that the displayed rows changed.
func (m *MessageList) RefreshCh() <-chan struct{} {
	return m.refreshCh
}

// Done is closed when the list is closed.
func (m *MessageList) Done() <-chan struct{} {
	return m.ctx.Done()
}

func (m *MessageList) signalRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Load fetches the first page and opens the live channel concurrently. A
// channel failure leaves the list readable: SetupError reports it and writes
// fail with ErrReadOnly.
func (m *MessageList) Load(ctx context.Context) error {
	if err := m.status.Transition(status.LoadingInitial); err != nil {
		if m.isClosed() {
			return ErrClosed
		}
		return err
	}

	m.mu.RLock()
	live := m.channel != nil
	m.mu.RUnlock()

	var (
		page cache.Page
		sock *remote.Channel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		page, err = m.deps.Pages.Get(gctx, m.contactID, cache.Query{Anchor: store.None(), Limit: m.pageSize})
		return err
	})
	if !live {
		g.Go(func() error {
			var err error
			if sock, err = m.deps.Channels.OpenChannel(gctx, m.contactID); err != nil {
				m.logger.Warn("live channel unavailable", zap.Error(err))
				m.mu.Lock()
				m.setupErr = err
				m.mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		if sock != nil {
			_ = sock.Close()
		}
		_ = m.status.Transition(status.Error)
		m.handleErr(ctx, "load messages", err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return ErrClosed
	}
	m.applyPageLocked(page, true, true)
	if sock != nil {
		m.attachLocked(sock)
		m.setupErr = nil
	}
	setupErr := m.setupErr
	m.mu.Unlock()

	if setupErr != nil {
		if isUnauthorized(setupErr) {
			m.handleErr(ctx, "open channel", setupErr)
		} else {
			m.Flash.Set(remote.UserMessage(setupErr), m.flashTTL)
		}
	}
	if err := m.status.Transition(status.Ready); err != nil {
		return ErrClosed
	}
	m.signalRefresh()
	return nil
}

func (m *MessageList) attachLocked(sock *remote.Channel) {
	d := m.deps
	m.channel = cache.NewChannel(sock, m.contactID, d.UserID, d.Messages, d.Reads, d.Store, m.logger)
	m.sender = outbox.NewSender(m.contactID, m.channel, d.Bus, m.logger)
	m.sender.Start(m.ctx)
	go m.consume(m.channel)
}

// applyPageLocked merges a page into the window. Pages served from the cache
// say nothing about the server's edges, so the edge flags only move on
// network pages.
func (m *MessageList) applyPageLocked(page cache.Page, previousEdge, moreEdge bool) {
	m.messages = mergeByID(m.messages, page.Items)
	if !page.FromCache {
		if previousEdge {
			m.hasPrevious = page.PreviousID != nil
		}
		if moreEdge {
			m.reachedEnd = page.NextID == nil
		}
	}
	m.updateFirstUnreadLocked()
}

func (m *MessageList) updateFirstUnreadLocked() {
	if m.firstUnreadID != 0 {
		return
	}
	for _, msg := range m.messages {
		if !msg.IsSentBy(m.deps.UserID) && !msg.IsRead {
			m.firstUnreadID = msg.ID
			return
		}
	}
}

// LoadPrevious extends the window backwards from the first displayed
// message. Concurrent calls share one fetch.
func (m *MessageList) LoadPrevious(ctx context.Context) error {
	_, err, _ := m.group.Do("previous", func() (any, error) {
		return nil, m.loadPrevious(ctx)
	})
	return err
}

func (m *MessageList) loadPrevious(ctx context.Context) error {
	m.mu.RLock()
	ok := m.hasPrevious && len(m.messages) > 0 && !m.closed
	var firstID int64
	if ok {
		firstID = m.messages[0].ID
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	page, err := m.deps.Pages.Get(ctx, m.contactID, cache.Query{Anchor: store.Before(firstID), Limit: m.pageSize})
	if err != nil {
		m.handleErr(ctx, "load previous", err)
		return err
	}
	m.mu.Lock()
	if !m.closed {
		m.applyPageLocked(page, true, false)
	}
	m.mu.Unlock()
	m.signalRefresh()
	return nil
}

// LoadMore extends the window forwards from the last displayed message.
// Concurrent calls share one fetch; it runs independently of LoadPrevious.
func (m *MessageList) LoadMore(ctx context.Context) error {
	_, err, _ := m.group.Do("more", func() (any, error) {
		return nil, m.loadMore(ctx, false)
	})
	return err
}

func (m *MessageList) loadMore(ctx context.Context, toEnd bool) error {
	m.mu.RLock()
	ok := !m.reachedEnd && !m.closed
	var lastID int64
	if n := len(m.messages); n > 0 {
		lastID = m.messages[n-1].ID
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	anchor := store.After(lastID)
	if lastID == 0 {
		anchor = store.None()
	}
	page, err := m.deps.Pages.Get(ctx, m.contactID, cache.Query{Anchor: anchor, Limit: m.pageSize, ToEnd: toEnd})
	if err != nil {
		m.handleErr(ctx, "load more", err)
		return err
	}
	m.mu.Lock()
	if !m.closed {
		m.applyPageLocked(page, lastID == 0, true)
	}
	m.mu.Unlock()
	m.signalRefresh()
	return nil
}

// HasPrevious reports whether older history may exist.
func (m *MessageList) HasPrevious() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasPrevious
}

// ReachedEnd reports whether the window is known to end at the server's
// latest message.
func (m *MessageList) ReachedEnd() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachedEnd
}

// ReadOnly reports whether writes are unavailable.
func (m *MessageList) ReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channel == nil
}

// SetupError returns why the live channel is unavailable, if it is.
func (m *MessageList) SetupError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setupErr
}

// Messages returns a snapshot of the displayed rows: the confirmed window in
// id order followed by pending local sends in queue order.
func (m *MessageList) Messages() []DisplayedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DisplayedMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, DisplayedMessage{
			Message:       msg,
			IsFirstUnread: msg.ID == m.firstUnreadID,
		})
	}
	if m.sender != nil {
		for _, e := range m.sender.Pending() {
			out = append(out, DisplayedMessage{
				Message:   store.Message{Text: e.Text, SenderID: m.deps.UserID, CreatedAt: e.QueuedAt},
				Pending:   true,
				ClientID:  e.ClientID,
				SendState: e.State,
			})
		}
	}
	return out
}

// Close tears the list down. The live channel is closed; in-flight loads
// are abandoned and their results dropped.
func (m *MessageList) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ch, sender := m.channel, m.sender
	m.channel, m.sender = nil, nil
	m.mu.Unlock()

	_ = m.status.Transition(status.Closed)
	m.cancel()
	m.read.stop()
	if sender != nil {
		sender.Stop()
	}
	if ch != nil {
		_ = ch.Close()
	}
	m.signalRefresh()
}

func (m *MessageList) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// handleErr turns err into a flash message. A rejected session is also
// invalidated so the user is sent back to sign-in.
func (m *MessageList) handleErr(ctx context.Context, op string, err error) {
	if errors.Is(err, context.Canceled) && m.isClosed() {
		return
	}
	m.logger.Warn(op+" failed", zap.Error(err))
	if isUnauthorized(err) && m.deps.Session != nil {
		m.deps.Session.Invalidate(context.WithoutCancel(ctx))
	}
	m.Flash.Set(remote.UserMessage(err), m.flashTTL)
	m.signalRefresh()
}

func isUnauthorized(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, remote.ErrAccessTokenNotFound)
}

// mergeByID merges in into the id-ordered slice cur. Incoming rows replace
// displayed ones, except that a read flag is never cleared.
func mergeByID(cur, in []store.Message) []store.Message {
	for _, msg := range in {
		i, found := slices.BinarySearchFunc(cur, msg.ID, func(e store.Message, id int64) int {
			return cmp.Compare(e.ID, id)
		})
		if found {
			msg.IsRead = msg.IsRead || cur[i].IsRead
			cur[i] = msg
			continue
		}
		cur = slices.Insert(cur, i, msg)
	}
	return cur
}
