package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/store"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func msg(id, sender int64) store.Message {
	return store.Message{ID: id, Text: "m", SenderID: sender, CreatedAt: time.UnixMilli(1000 * id).UTC()}
}

func testClient(t *testing.T) (*Client, *remotetest.Server) {
	t.Helper()
	srv := remotetest.New(t)
	return NewClient(srv.URL, staticToken(remotetest.Token), WithHeartbeat(0)), srv
}

func ptrEq(p *int64, want int64) bool {
	return p != nil && *p == want
}

func TestGetMessagesAnchors(t *testing.T) {
	client, srv := testClient(t)
	for id := int64(1); id <= 10; id++ {
		srv.AddMessages(7, msg(id, 2))
	}
	ctx := context.Background()

	tests := []struct {
		name     string
		anchor   store.Anchor
		limit    int
		first    int64
		last     int64
		prev     *int64
		next     *int64
		wantSize int
	}{
		{"latest", store.None(), 3, 8, 10, store.Int64(7), nil, 3},
		{"before", store.Before(5), 2, 3, 4, store.Int64(2), store.Int64(5), 2},
		{"after", store.After(8), 5, 9, 10, store.Int64(8), nil, 2},
		{"between", store.BetweenExcluded(2, 6), 0, 3, 5, store.Int64(2), store.Int64(6), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := client.GetMessages(ctx, 7, tt.anchor, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if len(page.Items) != tt.wantSize {
				t.Fatalf("got %d items, want %d", len(page.Items), tt.wantSize)
			}
			if page.Items[0].ID != tt.first || page.Items[len(page.Items)-1].ID != tt.last {
				t.Errorf("items span %d..%d, want %d..%d", page.Items[0].ID, page.Items[len(page.Items)-1].ID, tt.first, tt.last)
			}
			if (tt.prev == nil) != (page.PreviousID == nil) || (tt.prev != nil && !ptrEq(page.PreviousID, *tt.prev)) {
				t.Errorf("previousID = %v, want %v", page.PreviousID, tt.prev)
			}
			if (tt.next == nil) != (page.NextID == nil) || (tt.next != nil && !ptrEq(page.NextID, *tt.next)) {
				t.Errorf("nextID = %v, want %v", page.NextID, tt.next)
			}
		})
	}
}

func TestGetMessagesMapsFields(t *testing.T) {
	client, srv := testClient(t)
	edited := time.UnixMilli(9000).UTC()
	m := msg(1, 2)
	m.Text = "hello"
	m.IsRead = true
	m.EditedAt = &edited
	srv.AddMessages(7, m)

	page, err := client.GetMessages(context.Background(), 7, store.None(), 0)
	if err != nil {
		t.Fatal(err)
	}
	got := page.Items[0]
	if got.Text != "hello" || !got.IsRead || got.SenderID != 2 {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) || got.EditedAt == nil || !got.EditedAt.Equal(edited) {
		t.Errorf("timestamps = %v / %v, want %v / %v", got.CreatedAt, got.EditedAt, m.CreatedAt, edited)
	}
	if got.DeletedAt != nil {
		t.Errorf("deletedAt = %v, want nil", got.DeletedAt)
	}
}

func TestGetContacts(t *testing.T) {
	client, srv := testClient(t)
	for i := int64(1); i <= 3; i++ {
		srv.AddContact(store.Contact{
			ID:          i,
			Responder:   store.User{ID: 10 + i, Name: "user"},
			LastUpdate:  time.UnixMilli(1000 * i).UTC(),
			LastMessage: &store.LastMessage{Message: msg(i*10, 10+i), PreviousID: store.Int64(i*10 - 1)},
		})
	}

	contacts, err := client.GetContacts(context.Background(), nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 || contacts[0].ID != 3 || contacts[1].ID != 2 {
		t.Fatalf("contacts = %+v, want 3,2", contacts)
	}
	if lm := contacts[0].LastMessage; lm == nil || lm.Message.ID != 30 || !ptrEq(lm.PreviousID, 29) {
		t.Errorf("last message = %+v", lm)
	}

	before := contacts[1].LastUpdate
	contacts, err = client.GetContacts(context.Background(), &before, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ID != 1 {
		t.Errorf("contacts before %v = %+v, want [1]", before, contacts)
	}
}

func TestReadMessages(t *testing.T) {
	client, srv := testClient(t)

	if err := client.ReadMessages(context.Background(), 7, 42); err != nil {
		t.Fatal(err)
	}
	calls := srv.ReadCalls()
	if len(calls) != 1 || calls[0] != (remotetest.ReadCall{ContactID: 7, UntilID: 42}) {
		t.Errorf("read calls = %+v", calls)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	client, srv := testClient(t)
	srv.AddContact(store.Contact{ID: 3, Responder: store.User{ID: 2}})

	c, err := client.BlockContact(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if !ptrEq(c.BlockedByUserID, srv.UserID) {
		t.Errorf("blockedBy = %v, want %d", c.BlockedByUserID, srv.UserID)
	}
	c, err = client.UnblockContact(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if c.BlockedByUserID != nil {
		t.Errorf("blockedBy = %v, want nil", *c.BlockedByUserID)
	}

	_, err = client.BlockContact(context.Background(), 99)
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.StatusCode != http.StatusNotFound {
		t.Errorf("err = %v, want 404 ServerError", err)
	}
	if serverErr != nil && serverErr.Reason != "contact not found" {
		t.Errorf("reason = %q", serverErr.Reason)
	}
}

func TestEditAndDeleteMessage(t *testing.T) {
	client, srv := testClient(t)
	srv.AddMessages(7, msg(1, srv.UserID))

	m, err := client.EditMessage(context.Background(), 1, "fixed")
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "fixed" || m.EditedAt == nil {
		t.Errorf("edited = %+v", m)
	}
	m, err = client.DeleteMessage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsDeleted() {
		t.Errorf("deleted = %+v", m)
	}
}

func TestSignInAndRefresh(t *testing.T) {
	srv := remotetest.New(t)
	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	tokens, user, err := client.SignIn(ctx, "me@example.com", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if tokens.AccessToken != remotetest.Token || user.ID != srv.UserID {
		t.Errorf("tokens = %+v, user = %+v", tokens, user)
	}

	if _, err := client.RefreshToken(ctx, tokens.RefreshToken); err != nil {
		t.Errorf("RefreshToken() error = %v", err)
	}
	if _, err := client.RefreshToken(ctx, "stale"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stale refresh err = %v, want ErrUnauthorized", err)
	}
	if _, _, err := client.SignIn(ctx, "me@example.com", "wrong"); UserMessage(err) != "invalid email or password" {
		t.Errorf("UserMessage = %q", UserMessage(err))
	}
}

func TestGetImageData(t *testing.T) {
	client, srv := testClient(t)
	srv.SetImage("a.png", []byte{1, 2, 3})

	data, err := client.GetImageData(context.Background(), srv.URL+"/images/a.png")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x01\x02\x03" {
		t.Errorf("data = %v", data)
	}
	if _, err := client.GetImageData(context.Background(), "/images/missing.png"); err == nil {
		t.Error("expected error for missing image")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	srv := remotetest.New(t)
	ctx := context.Background()

	_, err := NewClient(srv.URL, nil).GetContacts(ctx, nil, 0)
	if !errors.Is(err, ErrAccessTokenNotFound) {
		t.Errorf("no token source: err = %v, want ErrAccessTokenNotFound", err)
	}

	_, err = NewClient(srv.URL, staticToken("wrong")).GetContacts(ctx, nil, 0)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bad token: err = %v, want ErrUnauthorized", err)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	_, err = NewClient(garbage.URL, staticToken("x")).GetContacts(ctx, nil, 0)
	if !errors.Is(err, ErrInvalidData) {
		t.Errorf("garbage body: err = %v, want ErrInvalidData", err)
	}

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	_, err = NewClient(down.URL, staticToken("x")).GetContacts(ctx, nil, 0)
	if !errors.Is(err, ErrConnectivity) {
		t.Errorf("closed server: err = %v, want ErrConnectivity", err)
	}

	_, err = NewClient("http://bad host", staticToken("x")).GetContacts(ctx, nil, 0)
	if !errors.Is(err, ErrRequestCreation) {
		t.Errorf("bad url: err = %v, want ErrRequestCreation", err)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ServerError{Reason: "blocked", StatusCode: 403}, "blocked"},
		{&ServerError{StatusCode: 404}, "Not Found"},
		{ErrUnauthorized, "Your session has expired. Please sign in again."},
		{ErrChannelForbidden, "You can no longer send messages in this conversation."},
		{errors.New("other"), "Something went wrong. Please try again."},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
