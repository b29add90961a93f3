package conversation

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	me      int64 = 1
	bob     int64 = 2
	contact int64 = 10

	messagesRoute = "GET /contacts/:id/messages"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

type fakeSession struct{ invalidated atomic.Int32 }

func (f *fakeSession) Invalidate(context.Context) { f.invalidated.Add(1) }

type harness struct {
	srv     *remotetest.Server
	store   *store.Store
	session *fakeSession
	bus     *bus.Bus
	deps    Deps
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	srv := remotetest.New(t)
	client := remote.NewClient(srv.URL, staticToken(token), remote.WithHeartbeat(0))

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{srv: srv, store: s, session: &fakeSession{}, bus: bus.New()}
	msgs := cache.NewMessages(s, h.bus, nil)
	h.deps = Deps{
		UserID:   me,
		Pages:    cache.NewGetMessages(client, s, msgs, me, nil),
		Messages: msgs,
		Reads:    cache.NewReadMessages(client, s, me, nil),
		Store:    s,
		Channels: client,
		Session:  h.session,
		Bus:      h.bus,
	}
	return h
}

func (h *harness) list(t *testing.T, opts ...Option) *MessageList {
	t.Helper()
	l := New(contact, h.deps, append([]Option{WithPageSize(5), WithReadDebounce(50 * time.Millisecond)}, opts...)...)
	t.Cleanup(l.Close)
	return l
}

func msg(id, sender int64) store.Message {
	return store.Message{ID: id, Text: "m", SenderID: sender, CreatedAt: time.UnixMilli(1000 * id).UTC()}
}

func history(from, to int64) []store.Message {
	var out []store.Message
	for id := from; id <= to; id++ {
		out = append(out, msg(id, bob))
	}
	return out
}

func displayedIDs(l *MessageList) []int64 {
	var ids []int64
	for _, m := range l.Messages() {
		if !m.Pending {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoadShowsLatestPage(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 12)...)
	l := h.list(t)

	if l.State() != status.Idle {
		t.Fatalf("state = %s, want IDLE", l.State())
	}
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if l.State() != status.Ready {
		t.Errorf("state = %s, want READY", l.State())
	}
	if got := displayedIDs(l); !equalIDs(got, []int64{8, 9, 10, 11, 12}) {
		t.Errorf("displayed = %v, want [8..12]", got)
	}
	if !l.HasPrevious() || !l.ReachedEnd() || l.ReadOnly() {
		t.Errorf("HasPrevious=%v ReachedEnd=%v ReadOnly=%v", l.HasPrevious(), l.ReachedEnd(), l.ReadOnly())
	}
	if first := l.Messages()[0]; !first.IsFirstUnread {
		t.Error("first unread message not flagged")
	}
}

func TestLoadServesCacheWhenWarm(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	if err := h.store.SaveMessages(context.Background(), history(1, 3), contact, me); err != nil {
		t.Fatal(err)
	}
	l := h.list(t)

	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := h.srv.Calls(messagesRoute); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
	if l.ReachedEnd() {
		t.Error("a cached page cannot prove the end was reached")
	}
}

func TestLoadPreviousIsSingleFlight(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 12)...)
	l := h.list(t)
	ctx := context.Background()
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.srv.Calls(messagesRoute)

	h.srv.SetMessagesDelay(200 * time.Millisecond)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.LoadPrevious(ctx); err != nil {
				t.Errorf("LoadPrevious() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := h.srv.Calls(messagesRoute) - before; n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
	if got := displayedIDs(l); !equalIDs(got, history2ids(3, 12)) {
		t.Errorf("displayed = %v, want [3..12]", got)
	}
}

func history2ids(from, to int64) []int64 {
	var ids []int64
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func TestLoadPreviousStopsAtStart(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 7)...)
	l := h.list(t)
	ctx := context.Background()
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if err := l.LoadPrevious(ctx); err != nil {
		t.Fatal(err)
	}
	if l.HasPrevious() {
		t.Error("HasPrevious() = true at the start of history")
	}
	calls := h.srv.Calls(messagesRoute)
	if err := l.LoadPrevious(ctx); err != nil {
		t.Fatal(err)
	}
	if h.srv.Calls(messagesRoute) != calls {
		t.Error("LoadPrevious fetched past the start of history")
	}
}

func TestLoadMoreFromCacheThenNetwork(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 8)...)
	ctx := context.Background()
	if err := h.store.SaveMessages(ctx, history(1, 3), contact, me); err != nil {
		t.Fatal(err)
	}
	l := h.list(t)
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if err := l.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if got := displayedIDs(l); !equalIDs(got, history2ids(1, 8)) {
		t.Errorf("displayed = %v, want [1..8]", got)
	}
	if !l.ReachedEnd() {
		t.Error("ReachedEnd() = false after the server reported no next page")
	}
}

func TestLoadPreviousAndLoadMoreRunConcurrently(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 20)...)
	ctx := context.Background()
	if err := h.store.SaveMessages(ctx, history(8, 10), contact, me); err != nil {
		t.Fatal(err)
	}
	l := h.list(t)
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := displayedIDs(l); !equalIDs(got, history2ids(8, 10)) {
		t.Fatalf("displayed = %v, want [8..10]", got)
	}
	before := h.srv.Calls(messagesRoute)

	const delay = 200 * time.Millisecond
	h.srv.SetMessagesDelay(delay)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := l.LoadPrevious(ctx); err != nil {
			t.Errorf("LoadPrevious() error = %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := l.LoadMore(ctx); err != nil {
			t.Errorf("LoadMore() error = %v", err)
		}
	}()
	wg.Wait()
	elapsed := time.Since(start)

	if n := h.srv.Calls(messagesRoute) - before; n != 2 {
		t.Errorf("network calls = %d, want 2", n)
	}
	if elapsed >= 2*delay {
		t.Errorf("loads took %v, want them to overlap (< %v)", elapsed, 2*delay)
	}
	if got := displayedIDs(l); !equalIDs(got, history2ids(3, 15)) {
		t.Errorf("displayed = %v, want [3..15]", got)
	}
	if !l.HasPrevious() || l.ReachedEnd() {
		t.Errorf("HasPrevious=%v ReachedEnd=%v, want true and false", l.HasPrevious(), l.ReachedEnd())
	}
}

func TestSendDrainsNewerMessagesFirst(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 8)...)
	ctx := context.Background()
	if err := h.store.SaveMessages(ctx, history(1, 3), contact, me); err != nil {
		t.Fatal(err)
	}
	l := h.list(t)
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}

	entry, err := l.Send(ctx, "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if entry.ClientID == "" {
		t.Fatal("entry has no client id")
	}

	if got := displayedIDs(l); len(got) < 8 || !equalIDs(got[:8], history2ids(1, 8)) {
		t.Fatalf("displayed after Send = %v, want [1..8] first", got)
	}

	waitFor(t, "echo", func() bool {
		rows := l.Messages()
		last := rows[len(rows)-1]
		return !last.Pending && last.SenderID == me && last.Text == "hello"
	})
	got := displayedIDs(l)
	if !equalIDs(got[:8], history2ids(1, 8)) || got[8] <= 8 {
		t.Errorf("displayed = %v, want [1..8] then the sent message", got)
	}
	for _, row := range l.Messages() {
		if row.Pending {
			t.Errorf("pending row left after echo: %+v", row)
		}
	}
}

func TestSendJoinsPendingLoadMore(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 6)...)
	ctx := context.Background()
	if err := h.store.SaveMessages(ctx, history(1, 3), contact, me); err != nil {
		t.Fatal(err)
	}
	l := h.list(t)
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.srv.Calls(messagesRoute)

	h.srv.SetMessagesDelay(200 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- l.LoadMore(ctx) }()
	waitFor(t, "load more request", func() bool { return h.srv.Calls(messagesRoute) > before })

	if _, err := l.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("LoadMore() error = %v", err)
	}

	if n := h.srv.Calls(messagesRoute) - before; n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
	if got := displayedIDs(l); len(got) < 6 || !equalIDs(got[:6], history2ids(1, 6)) {
		t.Errorf("displayed = %v, want [1..6] first", got)
	}
	if !l.ReachedEnd() {
		t.Error("ReachedEnd() = false after catching up")
	}
}

func TestReadMessagesDebounces(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	l := h.list(t)
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	l.ReadMessages(1)
	l.ReadMessages(2)
	l.ReadMessages(3)

	waitFor(t, "read call", func() bool { return len(h.srv.ReadCalls()) > 0 })
	time.Sleep(150 * time.Millisecond)
	calls := h.srv.ReadCalls()
	if len(calls) != 1 || calls[0].UntilID != 3 {
		t.Fatalf("read calls = %+v, want one call until 3", calls)
	}
	waitFor(t, "rows marked read", func() bool {
		for _, m := range l.Messages() {
			if !m.IsRead {
				return false
			}
		}
		return true
	})

	// An id already acknowledged is not sent again.
	l.ReadMessages(2)
	time.Sleep(150 * time.Millisecond)
	if n := len(h.srv.ReadCalls()); n != 1 {
		t.Errorf("read calls = %d, want 1", n)
	}
}

func TestLiveMessagesAppendInOrder(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	l := h.list(t)
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.srv.WaitForChannel(t, contact)

	h.srv.Deliver(contact, msg(4, bob))
	waitFor(t, "live message", func() bool { return equalIDs(displayedIDs(l), history2ids(1, 4)) })

	m, err := h.store.RetrieveMessage(context.Background(), 4, me)
	if err != nil || m == nil {
		t.Errorf("live message not cached: %v, %v", m, err)
	}
}

func TestLiveMessageAfterGapFetchesMissing(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	l := h.list(t)
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.srv.WaitForChannel(t, contact)

	// Message 4 reaches the server without being pushed.
	h.srv.AddMessages(contact, msg(4, bob))
	h.srv.Deliver(contact, msg(5, bob))

	waitFor(t, "gap fill", func() bool { return equalIDs(displayedIDs(l), history2ids(1, 5)) })
}

func TestLiveEditsAndReceipts(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, msg(1, bob), msg(2, me))
	l := h.list(t)
	ctx := context.Background()
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}
	h.srv.WaitForChannel(t, contact)

	if err := l.Edit(ctx, 2, "edited"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "edit", func() bool { return l.Messages()[1].Text == "edited" })

	h.srv.Push(contact, "readReceipt", map[string]any{"untilMessageID": 2})
	waitFor(t, "receipt", func() bool { return l.Messages()[1].IsRead })

	if err := l.Delete(ctx, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete", func() bool { return l.Messages()[0].IsDeleted() })
}

func TestChannelFailureIsReadOnly(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	h.srv.SetChannelStatus(http.StatusForbidden)
	l := h.list(t)
	ctx := context.Background()

	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !l.ReadOnly() || !errors.Is(l.SetupError(), remote.ErrChannelForbidden) {
		t.Errorf("ReadOnly=%v SetupError=%v", l.ReadOnly(), l.SetupError())
	}
	if len(l.Messages()) != 3 {
		t.Errorf("messages = %d, want 3", len(l.Messages()))
	}
	if _, err := l.Send(ctx, "hi"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Send() error = %v, want ErrReadOnly", err)
	}
	if l.Flash.Get() == "" {
		t.Error("no flash message for the read-only state")
	}
}

func TestServerDisconnectSwitchesToReadOnly(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	l := h.list(t)
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.srv.WaitForChannel(t, contact)

	h.srv.Close()
	waitFor(t, "read-only", l.ReadOnly)
	if !errors.Is(l.SetupError(), remote.ErrChannelDisconnected) {
		t.Errorf("SetupError() = %v, want ErrChannelDisconnected", l.SetupError())
	}
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	h := newHarness(t, "stale-token")
	l := h.list(t)

	err := l.Load(context.Background())
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("Load() error = %v, want ErrUnauthorized", err)
	}
	if l.State() != status.Error {
		t.Errorf("state = %s, want ERROR", l.State())
	}
	if h.session.invalidated.Load() == 0 {
		t.Error("session not invalidated")
	}
	if got := l.Flash.Get(); got != remote.UserMessage(remote.ErrUnauthorized) {
		t.Errorf("flash = %q", got)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t, remotetest.Token)
	h.srv.AddMessages(contact, history(1, 3)...)
	events, unsub := h.bus.Subscribe(bus.KindListStatusChanged, 10)
	defer unsub()
	l := h.list(t)
	ctx := context.Background()
	if err := l.Load(ctx); err != nil {
		t.Fatal(err)
	}

	l.Close()
	l.Close()
	if l.State() != status.Closed {
		t.Errorf("state = %s, want CLOSED", l.State())
	}
	if _, err := l.Send(ctx, "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() error = %v, want ErrClosed", err)
	}
	if err := l.Load(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() error = %v, want ErrClosed", err)
	}

	var states []status.State
	for len(states) < 3 {
		select {
		case evt := <-events:
			states = append(states, evt.Payload.(status.StatusChange).To)
		case <-time.After(time.Second):
			t.Fatalf("status events = %v", states)
		}
	}
	if states[0] != status.LoadingInitial || states[1] != status.Ready || states[2] != status.Closed {
		t.Errorf("status events = %v", states)
	}
}

func TestMergeByIDKeepsOrderAndReadFlags(t *testing.T) {
	read := msg(2, bob)
	read.IsRead = true
	got := mergeByID([]store.Message{msg(1, bob), read, msg(5, bob)}, []store.Message{msg(4, bob), msg(2, bob), msg(3, bob)})

	ids := make([]int64, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if !equalIDs(ids, []int64{1, 2, 3, 4, 5}) {
		t.Errorf("ids = %v", ids)
	}
	if !got[1].IsRead {
		t.Error("merge cleared a read flag")
	}
}
