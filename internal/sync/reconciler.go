package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
)

const (
	keyContactsCheckpoint = "sync.contacts_checkpoint"
	keyLastRun            = "sync.last_run"
)

// KV is the key-value state checkpoints are kept in.
type KV interface {
	SetValue(ctx context.Context, key, value string) error
	Value(ctx context.Context, key string) (string, bool, error)
}

// Reconciler manages sync checkpoints.
type Reconciler struct {
	kv     KV
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(kv KV, logger *zap.Logger) *Reconciler {
	return &Reconciler{kv: kv, logger: logging.OrNop(logger)}
}

// ContactsCheckpoint returns the newest contact last-update seen by a
// completed sync, or the zero time before the first one.
func (r *Reconciler) ContactsCheckpoint(ctx context.Context) (time.Time, error) {
	return r.getTime(ctx, keyContactsCheckpoint)
}

// UpdateContactsCheckpoint moves the contacts checkpoint forward. An older
// value is ignored.
func (r *Reconciler) UpdateContactsCheckpoint(ctx context.Context, t time.Time) error {
	cur, err := r.ContactsCheckpoint(ctx)
	if err != nil {
		return err
	}
	if !t.After(cur) {
		return nil
	}
	return r.setTime(ctx, keyContactsCheckpoint, t)
}

// LastRun returns when the last successful sync finished.
func (r *Reconciler) LastRun(ctx context.Context) (time.Time, error) {
	return r.getTime(ctx, keyLastRun)
}

// MarkRun records a successful sync.
func (r *Reconciler) MarkRun(ctx context.Context, at time.Time) error {
	return r.setTime(ctx, keyLastRun, at)
}

func (r *Reconciler) getTime(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := r.kv.Value(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.logger.Warn("discarding malformed checkpoint", zap.String("key", key), zap.String("value", v))
		return time.Time{}, nil
	}
	return t, nil
}

func (r *Reconciler) setTime(ctx context.Context, key string, t time.Time) error {
	if err := r.kv.SetValue(ctx, key, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
