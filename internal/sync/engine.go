package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 4
	contactsPageSize   = 50
)

// MessageTail reads the newest cached message of a contact.
type MessageTail interface {
	RetrieveMessages(ctx context.Context, anchor store.Anchor, contactID, userID int64, limit int) ([]store.Message, error)
}

// Result summarizes one sync pass.
type Result struct {
	Contacts int
	Messages int
}

// Status is a snapshot of the engine.
type Status struct {
	Running  bool
	Paused   bool
	LastRun  time.Time
	LastErr  string
	Contacts int
	Messages int
}

// Engine keeps the cache warm: it pages through contacts updated since the
// last checkpoint and catches each one's cached message tail up with the
// server. It pauses when the session is rejected and resumes on sign-in.
type Engine struct {
	contacts   *cache.Contacts
	pages      *cache.GetMessages
	images     *cache.Images
	tail       MessageTail
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger

	userID      int64
	interval    time.Duration
	concurrency int

	mu      gosync.Mutex
	status  Status
	running atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Engine)

// WithInterval sets how often the engine syncs.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithConcurrency bounds the number of contacts caught up in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithImages makes the engine prefetch the avatars of changed contacts.
func WithImages(images *cache.Images) Option {
	return func(e *Engine) { e.images = images }
}

// NewEngine creates a new sync engine.
func NewEngine(contacts *cache.Contacts, pages *cache.GetMessages, tail MessageTail, rec *Reconciler, b *bus.Bus, userID int64, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		contacts:    contacts,
		pages:       pages,
		tail:        tail,
		reconciler:  rec,
		bus:         b,
		logger:      logging.OrNop(logger),
		userID:      userID,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs a sync immediately and then on every interval.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("session.", 16)

	go func() {
		defer close(e.done)
		defer unsub()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.runLogged(ctx)
		for {
			select {
			case <-ticker.C:
				if !e.paused() {
					e.runLogged(ctx)
				}
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindSessionUnauthorized:
					e.setPaused(true)
					e.logger.Info("sync paused: session rejected")
				case bus.KindSessionSignedIn:
					e.setPaused(false)
					e.runLogged(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for a running pass to return.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.Running = e.running.Load()
	return s
}

func (e *Engine) paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Paused
}

func (e *Engine) setPaused(p bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Paused = p
}

func (e *Engine) runLogged(ctx context.Context) {
	res, err := e.RunOnce(ctx)
	switch {
	case err == nil:
		e.logger.Info("sync completed", zap.Int("contacts", res.Contacts), zap.Int("messages", res.Messages))
	case errors.Is(err, context.Canceled):
	case errors.Is(err, remote.ErrUnauthorized), errors.Is(err, remote.ErrAccessTokenNotFound):
		e.setPaused(true)
		e.logger.Warn("sync paused: not signed in", zap.Error(err))
	default:
		e.logger.Error("sync failed", zap.Error(err))
	}
}

// RunOnce performs one sync pass. Only one pass runs at a time; a call made
// while another is running returns immediately with a zero Result.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer e.running.Store(false)

	e.bus.Emit(bus.KindSyncStarted, nil)
	res, err := e.run(ctx)

	e.mu.Lock()
	if err != nil {
		e.status.LastErr = err.Error()
	} else {
		e.status.LastErr = ""
		e.status.LastRun = time.Now()
		e.status.Contacts = res.Contacts
		e.status.Messages = res.Messages
	}
	e.mu.Unlock()

	if err != nil {
		e.bus.Emit(bus.KindSyncFailed, map[string]string{"error": err.Error()})
		return res, err
	}
	if err := e.reconciler.MarkRun(ctx, time.Now()); err != nil {
		e.logger.Warn("failed to record sync run", zap.Error(err))
	}
	e.bus.Emit(bus.KindSyncCompleted, res)
	return res, nil
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	checkpoint, err := e.reconciler.ContactsCheckpoint(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read checkpoint: %w", err)
	}

	changed, newest, err := e.changedContacts(ctx, checkpoint)
	if err != nil {
		return Result{}, fmt.Errorf("sync contacts: %w", err)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, c := range changed {
		g.Go(func() error {
			e.prefetchAvatar(gctx, c.Responder)
			n, err := e.catchUp(gctx, c.ID)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("catch up contact %d: %w", c.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Contacts: len(changed), Messages: int(total.Load())}, err
	}

	if err := e.reconciler.UpdateContactsCheckpoint(ctx, newest); err != nil {
		e.logger.Warn("failed to save contacts checkpoint", zap.Error(err))
	}
	return Result{Contacts: len(changed), Messages: int(total.Load())}, nil
}

// changedContacts pages contacts newest first until it reaches the
// checkpoint, and returns the ones updated after it. The server's before
// bound is strict, so each next page starts at the last page's boundary
// timestamp inclusively and already seen contacts are skipped. When a page
// brings nothing new, every contact on it shares the boundary and the page
// is widened until it gets past them.
func (e *Engine) changedContacts(ctx context.Context, checkpoint time.Time) ([]store.Contact, time.Time, error) {
	var (
		changed []store.Contact
		newest  = checkpoint
		before  *time.Time
		limit   = contactsPageSize
		seen    = make(map[int64]struct{})
	)
	for {
		page, err := e.contacts.GetContacts(ctx, before, limit)
		if err != nil {
			return nil, time.Time{}, err
		}
		fresh := 0
		for _, c := range page {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			if !c.LastUpdate.After(checkpoint) {
				return changed, newest, nil
			}
			fresh++
			changed = append(changed, c)
			if c.LastUpdate.After(newest) {
				newest = c.LastUpdate
			}
		}
		if len(page) < limit {
			return changed, newest, nil
		}
		if fresh == 0 {
			limit *= 2
		}
		boundary := page[len(page)-1].LastUpdate.Add(time.Nanosecond)
		before = &boundary
	}
}

func (e *Engine) prefetchAvatar(ctx context.Context, u store.User) {
	if e.images == nil || u.AvatarURL == "" {
		return
	}
	if _, err := e.images.Get(ctx, u.AvatarURL); err != nil {
		e.logger.Debug("avatar prefetch failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
}

// catchUp brings a contact's cached tail up to the server's latest message.
// A contact with nothing cached gets its latest page.
func (e *Engine) catchUp(ctx context.Context, contactID int64) (int, error) {
	tail, err := e.tail.RetrieveMessages(ctx, store.Before(math.MaxInt64), contactID, e.userID, 1)
	if err != nil {
		e.logger.Warn("cache read failed", zap.Int64("contact_id", contactID), zap.Error(err))
	}
	if len(tail) == 0 {
		page, err := e.pages.Get(ctx, contactID, cache.Query{Anchor: store.None()})
		return len(page.Items), err
	}

	lastID := tail[0].ID
	n := 0
	for {
		page, err := e.pages.Get(ctx, contactID, cache.Query{Anchor: store.After(lastID), ToEnd: true})
		if err != nil {
			return n, err
		}
		n += len(page.Items)
		if len(page.Items) == 0 || page.NextID == nil {
			return n, nil
		}
		lastID = page.Items[len(page.Items)-1].ID
	}
}
