package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// GetContacts fetches contacts ordered by last update, newest first. When
// before is set only contacts updated strictly earlier are returned.
func (c *Client) GetContacts(ctx context.Context, before *time.Time, limit int) ([]store.Contact, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.do(ctx, request{method: http.MethodGet, path: "/contacts", query: q, auth: true})
	if err != nil {
		return nil, err
	}
	items, err := decodeJSON[[]contactDTO](data)
	if err != nil {
		return nil, err
	}
	out := make([]store.Contact, 0, len(items))
	for _, it := range items {
		out = append(out, it.toStore())
	}
	return out, nil
}

// BlockContact blocks the responder of a contact.
func (c *Client) BlockContact(ctx context.Context, contactID int64) (store.Contact, error) {
	return c.patchContact(ctx, contactID, "block")
}

// UnblockContact lifts a block placed by the user.
func (c *Client) UnblockContact(ctx context.Context, contactID int64) (store.Contact, error) {
	return c.patchContact(ctx, contactID, "unblock")
}

func (c *Client) patchContact(ctx context.Context, contactID int64, action string) (store.Contact, error) {
	data, err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/contacts/%d/%s", contactID, action),
		auth:   true,
	})
	if err != nil {
		return store.Contact{}, err
	}
	dto, err := decodeJSON[contactDTO](data)
	if err != nil {
		return store.Contact{}, err
	}
	return dto.toStore(), nil
}

// GetImageData downloads the blob at an absolute or server-relative URL.
func (c *Client) GetImageData(ctx context.Context, imageURL string) ([]byte, error) {
	return c.do(ctx, request{method: http.MethodGet, path: imageURL})
}
