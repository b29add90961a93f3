package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/chatsync/internal/store"
)

// MessagesPage is one page of a contact's history. PreviousID and NextID are
// the ids of the messages immediately outside the page, nil when the page
// reaches the start or the end of the history.
type MessagesPage struct {
	Items      []store.Message
	PreviousID *int64
	NextID     *int64
}

// GetMessages fetches a page of a contact's messages around anchor.
func (c *Client) GetMessages(ctx context.Context, contactID int64, anchor store.Anchor, limit int) (MessagesPage, error) {
	q := url.Values{}
	switch anchor.Kind {
	case store.AnchorBefore:
		q.Set("before_id", strconv.FormatInt(anchor.ID, 10))
	case store.AnchorAfter:
		q.Set("after_id", strconv.FormatInt(anchor.ID, 10))
	case store.AnchorBetween:
		q.Set("from_id", strconv.FormatInt(anchor.ID, 10))
		q.Set("to_id", strconv.FormatInt(anchor.ToID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/contacts/%d/messages", contactID),
		query:  q,
		auth:   true,
	})
	if err != nil {
		return MessagesPage{}, err
	}
	page, err := decodeJSON[messagesPageDTO](data)
	if err != nil {
		return MessagesPage{}, err
	}
	return MessagesPage{
		Items:      toStoreMessages(page.Items),
		PreviousID: page.Metadata.PreviousID,
		NextID:     page.Metadata.NextID,
	}, nil
}

// ReadMessages marks every message of the contact up to untilID, sent by the
// other side, as read.
func (c *Client) ReadMessages(ctx context.Context, contactID, untilID int64) error {
	_, err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/contacts/%d/read", contactID),
		body:   map[string]int64{"untilMessageID": untilID},
		auth:   true,
	})
	return err
}

// EditMessage replaces the text of one of the user's messages.
func (c *Client) EditMessage(ctx context.Context, messageID int64, text string) (store.Message, error) {
	return c.mutateMessage(ctx, http.MethodPatch, messageID, map[string]string{"text": text})
}

// DeleteMessage soft-deletes one of the user's messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) (store.Message, error) {
	return c.mutateMessage(ctx, http.MethodDelete, messageID, nil)
}

func (c *Client) mutateMessage(ctx context.Context, method string, messageID int64, body any) (store.Message, error) {
	data, err := c.do(ctx, request{
		method: method,
		path:   fmt.Sprintf("/messages/%d", messageID),
		body:   body,
		auth:   true,
	})
	if err != nil {
		return store.Message{}, err
	}
	m, err := decodeJSON[messageDTO](data)
	if err != nil {
		return store.Message{}, err
	}
	return m.toStore(), nil
}
