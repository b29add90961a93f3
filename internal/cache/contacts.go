package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/store"
)

// ContactsAPI is the server side of contact operations.
type ContactsAPI interface {
	GetContacts(ctx context.Context, before *time.Time, limit int) ([]store.Contact, error)
	BlockContact(ctx context.Context, contactID int64) (store.Contact, error)
	UnblockContact(ctx context.Context, contactID int64) (store.Contact, error)
}

// ContactStore is the part of *store.Store the contact cache uses.
type ContactStore interface {
	SaveContacts(ctx context.Context, contacts []store.Contact, userID int64) error
	RetrieveContacts(ctx context.Context, userID int64, exceptIDs []int64, before *time.Time, limit int) ([]store.Contact, error)
}

// Contacts passes contact results through to the store. Contacts have no
// ordering constraint, so every result is written.
type Contacts struct {
	api    ContactsAPI
	store  ContactStore
	userID int64
	logger *zap.Logger
}

func NewContacts(api ContactsAPI, s ContactStore, userID int64, logger *zap.Logger) *Contacts {
	return &Contacts{api: api, store: s, userID: userID, logger: logging.OrNop(logger)}
}

// GetContacts fetches a page of contacts and caches it.
func (c *Contacts) GetContacts(ctx context.Context, before *time.Time, limit int) ([]store.Contact, error) {
	contacts, err := c.api.GetContacts(ctx, before, limit)
	if err != nil {
		return nil, err
	}
	c.save(ctx, contacts...)
	return contacts, nil
}

// CachedContacts reads contacts from the cache only. A storage failure reads
// as an empty cache.
func (c *Contacts) CachedContacts(ctx context.Context, exceptIDs []int64, before *time.Time, limit int) []store.Contact {
	contacts, err := c.store.RetrieveContacts(ctx, c.userID, exceptIDs, before, limit)
	if err != nil {
		c.logger.Warn("cache read failed", zap.Error(err))
		return nil
	}
	return contacts
}

// Block blocks a contact and caches the updated contact.
func (c *Contacts) Block(ctx context.Context, contactID int64) (store.Contact, error) {
	contact, err := c.api.BlockContact(ctx, contactID)
	if err != nil {
		return store.Contact{}, err
	}
	c.save(ctx, contact)
	return contact, nil
}

// Unblock lifts a block and caches the updated contact.
func (c *Contacts) Unblock(ctx context.Context, contactID int64) (store.Contact, error) {
	contact, err := c.api.UnblockContact(ctx, contactID)
	if err != nil {
		return store.Contact{}, err
	}
	c.save(ctx, contact)
	return contact, nil
}

func (c *Contacts) save(ctx context.Context, contacts ...store.Contact) {
	if len(contacts) == 0 {
		return
	}
	if err := c.store.SaveContacts(ctx, contacts, c.userID); err != nil {
		c.logger.Warn("failed to cache contacts", zap.Int("count", len(contacts)), zap.Error(err))
	}
}
