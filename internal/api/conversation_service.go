package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Conversations hands out live message lists; *conversation.Registry
// implements it.
type Conversations interface {
	Open(ctx context.Context, contactID int64) (*conversation.MessageList, error)
}

// Blocker blocks and unblocks contacts; *cache.Contacts implements it.
type Blocker interface {
	Block(ctx context.Context, contactID int64) (store.Contact, error)
	Unblock(ctx context.Context, contactID int64) (store.Contact, error)
}

// ConversationService exposes the daemon's live message lists. Lists stay
// open between calls, so every client sees the same window and outbox.
type ConversationService struct {
	userID        int64
	conversations Conversations
	contacts      Blocker
	bus           *bus.Bus
	logger        *zap.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(userID int64, conversations Conversations, contacts Blocker, b *bus.Bus, logger *zap.Logger) *ConversationService {
	return &ConversationService{
		userID:        userID,
		conversations: conversations,
		contacts:      contacts,
		bus:           b,
		logger:        logging.OrNop(logger),
	}
}

func (s *ConversationService) open(ctx context.Context, req *structpb.Struct) (*conversation.MessageList, error) {
	contactID := int64Field(req, "contact_id")
	if contactID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "contact_id is required")
	}
	l, err := s.conversations.Open(ctx, contactID)
	if err != nil {
		return nil, toStatus(err)
	}
	return l, nil
}

// Watch sends a snapshot of the conversation, then another one after every
// status change or refresh of it. The stream ends with the client or when
// the conversation is closed.
func (s *ConversationService) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	events, unsub := s.bus.Subscribe("conversation.", 64)
	defer unsub()

	l, err := s.open(ctx, req)
	if err != nil {
		return err
	}
	send := func() error {
		snap, err := newStruct(snapshot(l, s.userID))
		if err != nil {
			return err
		}
		return stream.Send(snap)
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case evt := <-events:
			if id, ok := eventContact(evt); !ok || id != l.ContactID() {
				continue
			}
			if err := send(); err != nil {
				return err
			}
		case <-l.Done():
			return send()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *ConversationService) LoadPrevious(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := l.LoadPrevious(ctx); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(snapshot(l, s.userID))
}

func (s *ConversationService) LoadMore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := l.LoadMore(ctx); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(snapshot(l, s.userID))
}

func (s *ConversationService) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if stringField(req, "text") == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	e, err := l.Send(ctx, stringField(req, "text"))
	if err != nil {
		return nil, toStatus(err)
	}
	if e.ClientID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is blank")
	}
	return newStruct(map[string]any{"client_id": e.ClientID, "state": string(e.State)})
}

func (s *ConversationService) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	clientID := stringField(req, "client_id")
	if clientID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "client_id is required")
	}
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if !l.Retry(clientID) {
		return nil, grpcstatus.Errorf(codes.NotFound, "no failed message %s", clientID)
	}
	return newStruct(map[string]any{"client_id": clientID})
}

// MarkRead queues a read acknowledgement. Acknowledgements made in quick
// succession reach the server as one.
func (s *ConversationService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	untilID := int64Field(req, "until_id")
	if untilID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "until_id is required")
	}
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	l.ReadMessages(untilID)
	return newStruct(map[string]any{"until_id": untilID})
}

func (s *ConversationService) Edit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	messageID, text := int64Field(req, "message_id"), stringField(req, "text")
	if messageID <= 0 || text == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id and text are required")
	}
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := l.Edit(ctx, messageID, text); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message_id": messageID})
}

func (s *ConversationService) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	messageID := int64Field(req, "message_id")
	if messageID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	l, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := l.Delete(ctx, messageID); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message_id": messageID})
}

func (s *ConversationService) Block(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.setBlocked(ctx, req, s.contacts.Block)
}

func (s *ConversationService) Unblock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.setBlocked(ctx, req, s.contacts.Unblock)
}

func (s *ConversationService) setBlocked(ctx context.Context, req *structpb.Struct, fn func(context.Context, int64) (store.Contact, error)) (*structpb.Struct, error) {
	contactID := int64Field(req, "contact_id")
	if contactID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "contact_id is required")
	}
	c, err := fn(ctx, contactID)
	if err != nil {
		s.logger.Warn("block toggle failed", zap.Int64("contact_id", contactID), zap.Error(err))
		return nil, toStatus(err)
	}
	return newStruct(contactToMap(c))
}

func eventContact(evt bus.Event) (int64, bool) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		return p.ContactID, true
	case conversation.Refreshed:
		return p.ContactID, true
	}
	return 0, false
}

func snapshot(l *conversation.MessageList, userID int64) map[string]any {
	rows := l.Messages()
	items := make([]any, 0, len(rows))
	for _, r := range rows {
		if r.Pending {
			items = append(items, map[string]any{
				"client_id":  r.ClientID,
				"text":       r.Text,
				"from_me":    true,
				"pending":    true,
				"send_state": string(r.SendState),
				"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
			continue
		}
		m := messageToMap(r.Message, userID)
		if r.IsFirstUnread {
			m["first_unread"] = true
		}
		items = append(items, m)
	}
	snap := map[string]any{
		"contact_id":   l.ContactID(),
		"state":        string(l.State()),
		"read_only":    l.ReadOnly(),
		"has_previous": l.HasPrevious(),
		"reached_end":  l.ReachedEnd(),
		"messages":     items,
	}
	if err := l.SetupError(); err != nil {
		snap["setup_error"] = remote.UserMessage(err)
	}
	if flash := l.Flash.Get(); flash != "" {
		snap["flash"] = flash
	}
	return snap
}
