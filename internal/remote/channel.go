package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/chatsync/internal/store"
)

const (
	eventBuffer  = 32
	maxFrameSize = 1 << 20
	pingTimeout  = 10 * time.Second
)

// EventKind identifies an inbound channel event.
type EventKind int

const (
	EventNewMessage EventKind = iota + 1
	EventReadReceipt
	EventEditedMessage
	EventDeletedMessage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventNewMessage:
		return "message"
	case EventReadReceipt:
		return "readReceipt"
	case EventEditedMessage:
		return "editedMessage"
	case EventDeletedMessage:
		return "deletedMessage"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one decoded inbound frame.
type Event struct {
	Kind EventKind
	// Message is set for new, edited and deleted messages.
	Message store.Message
	// PreviousID is the id of the message preceding a new message, nil when
	// it is the first message of the conversation.
	PreviousID *int64
	// UntilMessageID is the read cursor of a read receipt.
	UntilMessageID int64
	// Reason is the server's text for an error event.
	Reason string
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Channel is a live websocket connection for one contact. Inbound frames are
// decoded by a single reader goroutine onto Events; the channel returned by
// Events is closed when the connection ends. Close stops the reader and
// releases the connection.
type Channel struct {
	contactID int64
	conn      *websocket.Conn
	logger    *zap.Logger

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// OpenChannel dials the live channel of a contact. ctx bounds the dial only;
// the connection lives until Close or until the server ends it.
func (c *Client) OpenChannel(ctx context.Context, contactID int64) (*Channel, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + fmt.Sprintf("/contacts/%d/messages/channel", contactID)
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, ErrChannelNotFound
			case http.StatusForbidden:
				return nil, ErrChannelForbidden
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			}
			if resp.StatusCode >= 400 {
				return nil, statusErr(resp.StatusCode, "")
			}
		}
		return nil, fmt.Errorf("%w: dial channel: %v", ErrConnectivity, err)
	}
	conn.SetReadLimit(maxFrameSize)

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		contactID: contactID,
		conn:      conn,
		logger:    c.logger.With(zap.Int64("contact_id", contactID)),
		events:    make(chan Event, eventBuffer),
		cancel:    cancel,
	}
	ch.wg.Add(1)
	go ch.readLoop(loopCtx)
	if c.heartbeat > 0 {
		ch.wg.Add(1)
		go ch.heartbeatLoop(loopCtx, c.heartbeat)
	}
	ch.logger.Debug("channel open")
	return ch, nil
}

// ContactID returns the contact the channel belongs to.
func (ch *Channel) ContactID() int64 {
	return ch.contactID
}

// Events returns the inbound event stream.
func (ch *Channel) Events() <-chan Event {
	return ch.events
}

// Err reports why the event stream ended: nil after Close, otherwise an
// error wrapping ErrChannelDisconnected. Valid once Events is closed.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Close stops the reader goroutine and releases the connection. It does not
// wait for in-flight consumers of Events.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		ch.cancel()
		ch.wg.Wait()
		_ = ch.conn.Close(websocket.StatusNormalClosure, "")
		ch.logger.Debug("channel closed")
	})
	return nil
}

func (ch *Channel) SendText(ctx context.Context, text string) error {
	return ch.send(ctx, "sendText", map[string]string{"text": text})
}

func (ch *Channel) MarkReadUntil(ctx context.Context, messageID int64) error {
	return ch.send(ctx, "markReadUntil", map[string]int64{"readUntilMessageID": messageID})
}

func (ch *Channel) EditMessage(ctx context.Context, messageID int64, text string) error {
	return ch.send(ctx, "editMessage", struct {
		EditMessageID int64  `json:"editMessageID"`
		Text          string `json:"text"`
	}{messageID, text})
}

func (ch *Channel) DeleteMessage(ctx context.Context, messageID int64) error {
	return ch.send(ctx, "deleteMessage", map[string]int64{"deleteMessageID": messageID})
}

func (ch *Channel) send(ctx context.Context, typ string, payload any) error {
	if ch.closed.Load() {
		return ErrChannelDisconnected
	}
	if err := wsjson.Write(ctx, ch.conn, command{Type: typ, Payload: payload}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: write %s: %v", ErrChannelDisconnected, typ, err)
	}
	return nil
}

func (ch *Channel) readLoop(ctx context.Context) {
	defer ch.wg.Done()
	defer close(ch.events)

	for {
		typ, data, err := ch.conn.Read(ctx)
		if err != nil {
			ch.finish(err)
			return
		}
		if typ != websocket.MessageText {
			ch.logger.Warn("dropping frame", zap.Error(ErrUnsupportedData), zap.String("frame", typ.String()))
			continue
		}
		evt, err := decodeEvent(data)
		if err != nil {
			ch.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		select {
		case ch.events <- evt:
		case <-ctx.Done():
			ch.finish(ctx.Err())
			return
		}
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer ch.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := ch.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			ch.logger.Warn("heartbeat failed", zap.Error(err))
			ch.setErr(fmt.Errorf("%w: heartbeat: %v", ErrChannelDisconnected, err))
			// Cancelling the read context makes the reader release the connection.
			ch.cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ch *Channel) finish(err error) {
	if ch.closed.Load() {
		return
	}
	status := websocket.CloseStatus(err)
	ch.logger.Info("channel ended", zap.Error(err), zap.Int("close_status", int(status)))
	if status == websocket.StatusPolicyViolation {
		ch.setErr(ErrChannelForbidden)
		return
	}
	ch.setErr(fmt.Errorf("%w: %v", ErrChannelDisconnected, err))
}

func (ch *Channel) setErr(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.err == nil {
		ch.err = err
	}
}

func decodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	switch env.Type {
	case "message":
		p, err := decodePayload[messageWithMetadataDTO](env)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventNewMessage, Message: p.Message.toStore(), PreviousID: p.Metadata.PreviousID}, nil
	case "readReceipt":
		p, err := decodePayload[struct {
			UntilMessageID int64 `json:"untilMessageID"`
		}](env)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventReadReceipt, UntilMessageID: p.UntilMessageID}, nil
	case "editedMessage", "deletedMessage":
		p, err := decodePayload[messageDTO](env)
		if err != nil {
			return Event{}, err
		}
		kind := EventEditedMessage
		if env.Type == "deletedMessage" {
			kind = EventDeletedMessage
		}
		return Event{Kind: kind, Message: p.toStore()}, nil
	case "error":
		p, err := decodePayload[errorDTO](env)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventError, Reason: p.Reason}, nil
	}
	return Event{}, fmt.Errorf("%w: frame type %q", ErrUnsupportedData, env.Type)
}

func decodePayload[T any](env envelope) (T, error) {
	v, err := decodeJSON[T](env.Payload)
	if err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return v, nil
}

// IsChannelError reports whether err is one of the channel failure kinds.
func IsChannelError(err error) bool {
	return errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, ErrChannelForbidden) ||
		errors.Is(err, ErrChannelDisconnected) ||
		errors.Is(err, ErrUnsupportedData)
}
