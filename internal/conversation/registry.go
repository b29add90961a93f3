package conversation

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/status"
)

// Refreshed is the payload of bus.KindListRefreshed.
type Refreshed struct {
	ContactID int64
}

// Registry keeps one MessageList per contact for as long as the daemon runs
// and republishes each list's refresh signal on the bus.
type Registry struct {
	deps   Deps
	opts   []Option
	logger *zap.Logger
	group  singleflight.Group

	mu     sync.Mutex
	lists  map[int64]*MessageList
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. Lists it creates get deps and opts.
func NewRegistry(deps Deps, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:   deps,
		opts:   opts,
		logger: logging.OrNop(deps.Logger),
		lists:  make(map[int64]*MessageList),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open returns the list of contactID, loading it first when it is new, its
// last load failed or it lost its live channel. Concurrent opens of one
// contact share the load; ctx only bounds the wait.
func (r *Registry) Open(ctx context.Context, contactID int64) (*MessageList, error) {
	l, err := r.list(contactID)
	if err != nil {
		return nil, err
	}
	ch := r.group.DoChan(strconv.FormatInt(contactID, 10), func() (any, error) {
		if l.State() == status.Ready && !l.ReadOnly() {
			return nil, nil
		}
		return nil, l.Load(r.ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the list of contactID if it was opened.
func (r *Registry) Get(contactID int64) (*MessageList, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[contactID]
	return l, ok
}

func (r *Registry) list(contactID int64) (*MessageList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if l, ok := r.lists[contactID]; ok {
		return l, nil
	}
	l := New(contactID, r.deps, r.opts...)
	r.lists[contactID] = l
	r.wg.Add(1)
	go r.forward(l)
	r.logger.Debug("conversation opened", zap.Int64("contact_id", contactID))
	return l, nil
}

func (r *Registry) forward(l *MessageList) {
	defer r.wg.Done()
	for {
		select {
		case <-l.RefreshCh():
			r.deps.Bus.Emit(bus.KindListRefreshed, Refreshed{ContactID: l.ContactID()})
		case <-r.ctx.Done():
			return
		}
	}
}

// Close closes every list. Open fails with ErrClosed afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	lists := r.lists
	r.lists = nil
	r.mu.Unlock()

	for _, l := range lists {
		l.Close()
	}
	r.cancel()
	r.wg.Wait()
}
