package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by chatsync components.
const (
	KindSessionSignedIn     = "session.signed_in"
	KindSessionUnauthorized = "session.unauthorized"

	KindListStatusChanged = "conversation.status_changed"
	KindListRefreshed     = "conversation.refreshed"

	KindMessageCached     = "message.cached"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindSyncStarted   = "sync.started"
	KindSyncCompleted = "sync.completed"
	KindSyncFailed    = "sync.failed"
)
