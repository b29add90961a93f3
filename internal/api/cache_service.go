package api

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Session is the signed-in state the service reports and changes.
type Session interface {
	SignedIn(ctx context.Context) bool
	SignIn(ctx context.Context, email, password string) (store.User, error)
}

// SyncStatus reports the background sync state.
type SyncStatus interface {
	Status() intsync.Status
}

// CacheService serves the local cache to other processes. The daemon is the
// only writer of the cache file; everyone else reads through this service.
type CacheService struct {
	profile   string
	userID    int64
	startedAt time.Time
	store     *store.Store
	session   Session
	sync      SyncStatus
}

// NewCacheService creates a new cache service.
func NewCacheService(profile string, userID int64, s *store.Store, session Session, sync SyncStatus) *CacheService {
	return &CacheService{
		profile:   profile,
		userID:    userID,
		startedAt: time.Now(),
		store:     s,
		session:   session,
		sync:      sync,
	}
}

func (s *CacheService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":   s.profile,
		"user_id":   s.userID,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"signed_in": s.session != nil && s.session.SignedIn(ctx),
	}
	if s.store != nil {
		if c, err := s.store.Counts(ctx, s.userID); err == nil {
			resp["contacts"] = c.Contacts
			resp["messages"] = c.Messages
			resp["images"] = c.Images
		}
	}
	if s.sync != nil {
		st := s.sync.Status()
		syncInfo := map[string]any{
			"running":  st.Running,
			"paused":   st.Paused,
			"contacts": st.Contacts,
			"messages": st.Messages,
		}
		if !st.LastRun.IsZero() {
			syncInfo["last_run"] = st.LastRun.UTC().Format(time.RFC3339)
		}
		if st.LastErr != "" {
			syncInfo["last_error"] = st.LastErr
		}
		resp["sync"] = syncInfo
	}
	return newStruct(resp)
}

func (s *CacheService) SignIn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email, password := stringField(req, "email"), stringField(req, "password")
	if email == "" || password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email and password are required")
	}
	if s.session == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "no session")
	}
	u, err := s.session.SignIn(ctx, email, password)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"user_id": u.ID, "name": u.Name, "email": u.Email})
}

func (s *CacheService) ListContacts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := limitField(req)
	var before *time.Time
	if v := stringField(req, "before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "before: %v", err)
		}
		before = &t
	}

	contacts, err := s.store.RetrieveContacts(ctx, s.userID, nil, before, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list contacts: %v", err)
	}
	items := make([]any, 0, len(contacts))
	for _, c := range contacts {
		items = append(items, contactToMap(c))
	}
	return newStruct(map[string]any{"contacts": items, "has_more": len(contacts) == limit})
}

func (s *CacheService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	contactID := int64Field(req, "contact_id")
	if contactID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "contact_id is required")
	}
	beforeID, afterID := int64Field(req, "before_id"), int64Field(req, "after_id")
	anchor := store.None()
	switch {
	case beforeID > 0 && afterID > 0:
		return nil, grpcstatus.Error(codes.InvalidArgument, "before_id and after_id are exclusive")
	case beforeID > 0:
		anchor = store.Before(beforeID)
	case afterID > 0:
		anchor = store.After(afterID)
	}

	msgs, err := s.store.RetrieveMessages(ctx, anchor, contactID, s.userID, limitField(req))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	items := make([]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageToMap(m, s.userID))
	}
	return newStruct(map[string]any{"messages": items})
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func toStatus(err error) error {
	var serverErr *remote.ServerError
	switch {
	case errors.Is(err, conversation.ErrReadOnly):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, conversation.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, remote.ErrUnauthorized), errors.Is(err, remote.ErrAccessTokenNotFound):
		return grpcstatus.Error(codes.Unauthenticated, remote.UserMessage(err))
	case errors.As(err, &serverErr):
		return grpcstatus.Error(codes.FailedPrecondition, remote.UserMessage(err))
	case errors.Is(err, remote.ErrConnectivity):
		return grpcstatus.Error(codes.Unavailable, remote.UserMessage(err))
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func int64Field(req *structpb.Struct, key string) int64 {
	return int64(req.GetFields()[key].GetNumberValue())
}

func limitField(req *structpb.Struct) int {
	if n := int(int64Field(req, "limit")); n > 0 {
		return min(n, 500)
	}
	return store.DefaultLimit
}

func contactToMap(c store.Contact) map[string]any {
	m := map[string]any{
		"id":           c.ID,
		"name":         c.Responder.Name,
		"email":        c.Responder.Email,
		"unread_count": c.UnreadMessageCount,
		"blocked":      c.BlockedByUserID != nil,
		"last_update":  c.LastUpdate.UTC().Format(time.RFC3339Nano),
	}
	if c.LastMessage != nil {
		m["last_message"] = c.LastMessage.Message.Text
		m["last_message_id"] = c.LastMessage.Message.ID
	}
	return m
}

func messageToMap(msg store.Message, userID int64) map[string]any {
	m := map[string]any{
		"id":         msg.ID,
		"text":       msg.Text,
		"sender_id":  msg.SenderID,
		"from_me":    msg.IsSentBy(userID),
		"is_read":    msg.IsRead,
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		"deleted":    msg.IsDeleted(),
	}
	if msg.EditedAt != nil {
		m["edited_at"] = msg.EditedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}
