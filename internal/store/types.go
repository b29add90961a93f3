package store

import (
	"errors"
	"time"
)

// ErrStorage wraps every fault raised by the local store. Callers treat it as a
// cache miss, never as a failure of the operation they were running.
var ErrStorage = errors.New("storage failure")

// User is a chat participant.
type User struct {
	ID        int64
	Name      string
	Email     string
	AvatarURL string
	CreatedAt time.Time
}

// Message is a single chat message. IDs are server-assigned and totally ordered
// within a contact.
type Message struct {
	ID        int64
	Text      string
	SenderID  int64
	IsRead    bool
	CreatedAt time.Time
	EditedAt  *time.Time
	DeletedAt *time.Time
}

// IsSentBy reports whether userID authored the message.
func (m Message) IsSentBy(userID int64) bool {
	return m.SenderID == userID
}

// IsDeleted reports whether the message was soft-deleted.
func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// LastMessage is the newest message of a contact together with the id of the
// message right before it.
type LastMessage struct {
	Message    Message
	PreviousID *int64
}

// Contact is a conversation between the current user and a responder.
type Contact struct {
	ID                 int64
	Responder          User
	BlockedByUserID    *int64
	UnreadMessageCount int
	CreatedAt          time.Time
	LastUpdate         time.Time
	LastMessage        *LastMessage
}

// Direction selects messages by author relative to the current user.
type Direction int

const (
	SentByMe Direction = iota
	SentByOthers
)

func (d Direction) String() string {
	if d == SentByMe {
		return "sent_by_me"
	}
	return "sent_by_others"
}

// AnchorKind identifies how a message page is positioned.
type AnchorKind int

const (
	AnchorNone AnchorKind = iota
	AnchorBefore
	AnchorAfter
	AnchorBetween
)

// Anchor positions a message page relative to known message ids.
type Anchor struct {
	Kind AnchorKind
	ID   int64
	ToID int64
}

// None anchors a page at the first unread message, or the latest page.
func None() Anchor { return Anchor{Kind: AnchorNone} }

// Before anchors a page ending right before id.
func Before(id int64) Anchor { return Anchor{Kind: AnchorBefore, ID: id} }

// After anchors a page starting right after id.
func After(id int64) Anchor { return Anchor{Kind: AnchorAfter, ID: id} }

// BetweenExcluded selects the messages strictly between from and to.
func BetweenExcluded(from, to int64) Anchor {
	return Anchor{Kind: AnchorBetween, ID: from, ToID: to}
}

// Counts summarizes the store contents.
type Counts struct {
	Contacts int64
	Messages int64
	Images   int64
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
