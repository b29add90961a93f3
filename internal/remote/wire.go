package remote

import (
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// Wire types mirror the server's JSON. They are mapped to store types at the
// package boundary so nothing above remote depends on the wire shape.

type userDTO struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarURL"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageDTO struct {
	ID        int64      `json:"id"`
	Text      string     `json:"text"`
	SenderID  int64      `json:"senderID"`
	IsRead    bool       `json:"isRead"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type messageWithMetadataDTO struct {
	Message  messageDTO `json:"message"`
	Metadata struct {
		PreviousID *int64 `json:"previousID"`
	} `json:"metadata"`
}

type contactDTO struct {
	ID                 int64                   `json:"id"`
	Responder          userDTO                 `json:"responder"`
	BlockedByUserID    *int64                  `json:"blockedByUserID"`
	UnreadMessageCount int                     `json:"unreadMessageCount"`
	CreatedAt          time.Time               `json:"createdAt"`
	LastUpdate         time.Time               `json:"lastUpdate"`
	LastMessage        *messageWithMetadataDTO `json:"lastMessage"`
}

type messagesPageDTO struct {
	Items    []messageDTO `json:"items"`
	Metadata struct {
		PreviousID *int64 `json:"previousID"`
		NextID     *int64 `json:"nextID"`
	} `json:"metadata"`
}

type tokensDTO struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	User         *userDTO `json:"user,omitempty"`
}

type errorDTO struct {
	Reason string `json:"reason"`
}

func (u userDTO) toStore() store.User {
	return store.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt.UTC(),
	}
}

func (m messageDTO) toStore() store.Message {
	return store.Message{
		ID:        m.ID,
		Text:      m.Text,
		SenderID:  m.SenderID,
		IsRead:    m.IsRead,
		CreatedAt: m.CreatedAt.UTC(),
		EditedAt:  utcPtr(m.EditedAt),
		DeletedAt: utcPtr(m.DeletedAt),
	}
}

func (c contactDTO) toStore() store.Contact {
	out := store.Contact{
		ID:                 c.ID,
		Responder:          c.Responder.toStore(),
		BlockedByUserID:    c.BlockedByUserID,
		UnreadMessageCount: c.UnreadMessageCount,
		CreatedAt:          c.CreatedAt.UTC(),
		LastUpdate:         c.LastUpdate.UTC(),
	}
	if c.LastMessage != nil {
		out.LastMessage = &store.LastMessage{
			Message:    c.LastMessage.Message.toStore(),
			PreviousID: c.LastMessage.Metadata.PreviousID,
		}
	}
	return out
}

func toStoreMessages(items []messageDTO) []store.Message {
	out := make([]store.Message, 0, len(items))
	for _, m := range items {
		out = append(out, m.toStore())
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
