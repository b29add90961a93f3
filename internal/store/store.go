package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("store closed")

// Store serializes every operation on a DB through a single worker goroutine.
// Concurrent callers are queued, never interleaved, so a probe followed by a
// write inside one Do call observes no foreign writes in between.
type Store struct {
	db   *DB
	jobs chan job
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type job struct {
	fn     func(*DB) error
	result chan error
}

// New starts the worker that owns db.
func New(db *DB) *Store {
	s := &Store{
		db:   db,
		jobs: make(chan job),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case j := <-s.jobs:
			j.result <- j.fn(s.db)
		case <-s.quit:
			return
		}
	}
}

// Close stops the worker and closes the database. Requests still waiting for
// the worker fail with ErrClosed.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		<-s.done
		err = s.db.Close()
	})
	return err
}

// Do runs fn on the worker. Any error is reported wrapped in ErrStorage.
func (s *Store) Do(ctx context.Context, fn func(*DB) error) error {
	return s.do(ctx, "do", fn)
}

func (s *Store) do(ctx context.Context, op string, fn func(*DB) error) error {
	j := job{fn: fn, result: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.quit:
		return storageErr(op, ErrClosed)
	case <-ctx.Done():
		return storageErr(op, ctx.Err())
	}
	// Once accepted, a job always runs to completion; fn may write into the
	// caller's variables, so the caller waits for it.
	if err := <-j.result; err != nil {
		return storageErr(op, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// SaveMessages upserts messages of a contact.
func (s *Store) SaveMessages(ctx context.Context, msgs []Message, contactID, userID int64) error {
	return s.do(ctx, "save messages", func(db *DB) error {
		return db.SaveMessages(msgs, contactID, userID)
	})
}

// RetrieveMessages returns an ascending page of a contact's messages.
func (s *Store) RetrieveMessages(ctx context.Context, anchor Anchor, contactID, userID int64, limit int) ([]Message, error) {
	var msgs []Message
	err := s.do(ctx, "retrieve messages", func(db *DB) error {
		var err error
		msgs, err = db.RetrieveMessages(anchor, contactID, userID, limit)
		return err
	})
	return msgs, err
}

// RetrieveMessage returns a cached message or nil.
func (s *Store) RetrieveMessage(ctx context.Context, id, userID int64) (*Message, error) {
	var m *Message
	err := s.do(ctx, "retrieve message", func(db *DB) error {
		var err error
		m, err = db.RetrieveMessage(id, userID)
		return err
	})
	return m, err
}

// AtLeastOneMessage reports whether any message of the contact is cached.
func (s *Store) AtLeastOneMessage(ctx context.Context, userID, contactID int64) (bool, error) {
	var ok bool
	err := s.do(ctx, "probe messages", func(db *DB) error {
		var err error
		ok, err = db.AtLeastOneMessage(userID, contactID)
		return err
	})
	return ok, err
}

// UpdateMessagesRead advances the read cursor of one direction.
func (s *Store) UpdateMessagesRead(ctx context.Context, untilID, contactID, userID int64, dir Direction) error {
	return s.do(ctx, "update messages read", func(db *DB) error {
		return db.UpdateMessagesRead(untilID, contactID, userID, dir)
	})
}

// UpdateMessage applies an edit or delete to a cached message.
func (s *Store) UpdateMessage(ctx context.Context, m Message, userID int64) (bool, error) {
	var ok bool
	err := s.do(ctx, "update message", func(db *DB) error {
		var err error
		ok, err = db.UpdateMessage(m, userID)
		return err
	})
	return ok, err
}

// SaveContacts upserts contacts.
func (s *Store) SaveContacts(ctx context.Context, contacts []Contact, userID int64) error {
	return s.do(ctx, "save contacts", func(db *DB) error {
		return db.SaveContacts(contacts, userID)
	})
}

// RetrieveContacts returns contacts by descending last update.
func (s *Store) RetrieveContacts(ctx context.Context, userID int64, exceptIDs []int64, before *time.Time, limit int) ([]Contact, error) {
	var contacts []Contact
	err := s.do(ctx, "retrieve contacts", func(db *DB) error {
		var err error
		contacts, err = db.RetrieveContacts(userID, exceptIDs, before, limit)
		return err
	})
	return contacts, err
}

// SaveImageData upserts a blob for url.
func (s *Store) SaveImageData(ctx context.Context, data []byte, url string) error {
	return s.do(ctx, "save image data", func(db *DB) error {
		return db.SaveImageData(data, url)
	})
}

// RetrieveImageData returns the blob cached for url, or nil.
func (s *Store) RetrieveImageData(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "retrieve image data", func(db *DB) error {
		var err error
		data, err = db.RetrieveImageData(url)
		return err
	})
	return data, err
}

// SetValue stores a key-value pair.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	return s.do(ctx, "set value", func(db *DB) error {
		return db.SetValue(key, value)
	})
}

// Value returns the value stored under key.
func (s *Store) Value(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := s.do(ctx, "get value", func(db *DB) error {
		var err error
		value, ok, err = db.Value(key)
		return err
	})
	return value, ok, err
}

// DeleteValue removes key.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	return s.do(ctx, "delete value", func(db *DB) error {
		return db.DeleteValue(key)
	})
}

// Counts returns cache size counters for userID.
func (s *Store) Counts(ctx context.Context, userID int64) (Counts, error) {
	var c Counts
	err := s.do(ctx, "counts", func(db *DB) error {
		var err error
		c, err = db.Counts(userID)
		return err
	})
	return c, err
}
