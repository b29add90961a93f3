package api

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

type fakeConversations struct {
	opened []int64
	err    error
}

func (f *fakeConversations) Open(_ context.Context, contactID int64) (*conversation.MessageList, error) {
	f.opened = append(f.opened, contactID)
	return nil, f.err
}

type fakeBlocker struct{ err error }

func (f fakeBlocker) Block(_ context.Context, id int64) (store.Contact, error) {
	by := me
	return store.Contact{ID: id, BlockedByUserID: &by}, f.err
}

func (f fakeBlocker) Unblock(_ context.Context, id int64) (store.Contact, error) {
	return store.Contact{ID: id}, f.err
}

func TestConversationRequestsAreValidated(t *testing.T) {
	convs := &fakeConversations{}
	svc := NewConversationService(me, convs, fakeBlocker{}, bus.New(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"send without text", func() error {
			_, err := svc.Send(ctx, request(t, map[string]any{"contact_id": 7}))
			return err
		}},
		{"send without contact", func() error {
			_, err := svc.Send(ctx, request(t, map[string]any{"text": "hi"}))
			return err
		}},
		{"read without id", func() error {
			_, err := svc.MarkRead(ctx, request(t, map[string]any{"contact_id": 7}))
			return err
		}},
		{"edit without text", func() error {
			_, err := svc.Edit(ctx, request(t, map[string]any{"contact_id": 7, "message_id": 1}))
			return err
		}},
		{"delete without id", func() error {
			_, err := svc.Delete(ctx, request(t, map[string]any{"contact_id": 7}))
			return err
		}},
		{"retry without client id", func() error {
			_, err := svc.Retry(ctx, request(t, map[string]any{"contact_id": 7}))
			return err
		}},
		{"block without contact", func() error {
			_, err := svc.Block(ctx, request(t, map[string]any{}))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grpcstatus.Code(tt.call()); got != codes.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument", got)
			}
		})
	}
	if len(convs.opened) != 0 {
		t.Errorf("invalid requests opened conversations %v", convs.opened)
	}
}

func TestConversationErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"read-only", conversation.ErrReadOnly, codes.FailedPrecondition},
		{"closed", conversation.ErrClosed, codes.Unavailable},
		{"signed out", remote.ErrAccessTokenNotFound, codes.Unauthenticated},
		{"canceled", context.Canceled, codes.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewConversationService(me, &fakeConversations{err: tt.err}, fakeBlocker{}, bus.New(), nil)
			_, err := svc.LoadMore(context.Background(), request(t, map[string]any{"contact_id": 7}))
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBlockReturnsContact(t *testing.T) {
	svc := NewConversationService(me, &fakeConversations{}, fakeBlocker{}, bus.New(), nil)
	ctx := context.Background()

	resp, err := svc.Block(ctx, request(t, map[string]any{"contact_id": 7}))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.GetFields()["blocked"].GetBoolValue() || resp.GetFields()["id"].GetNumberValue() != 7 {
		t.Errorf("Block response = %v", resp)
	}
	resp, err = svc.Unblock(ctx, request(t, map[string]any{"contact_id": 7}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetFields()["blocked"].GetBoolValue() {
		t.Error("Unblock response still blocked")
	}
}

func TestEventContact(t *testing.T) {
	tests := []struct {
		payload any
		want    int64
		ok      bool
	}{
		{status.StatusChange{ContactID: 3, To: status.Ready}, 3, true},
		{conversation.Refreshed{ContactID: 4}, 4, true},
		{"other", 0, false},
	}
	for _, tt := range tests {
		id, ok := eventContact(bus.Event{Payload: tt.payload})
		if id != tt.want || ok != tt.ok {
			t.Errorf("eventContact(%#v) = %d, %v", tt.payload, id, ok)
		}
	}
}
