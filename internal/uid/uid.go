// Package uid hands out the small numeric identifiers the attendance terminal keys people by.
package uid

import (
	"context"
	"errors"
	"fmt"

	"github.com/fragotesac/frazkteco-devices/internal/model"
)

// ErrExhausted is returned once every identifier in [1, 65535] has been handed out.
var ErrExhausted = errors.New("device uid space exhausted")

// Sequence is the persisted counter behind the allocator.
type Sequence interface {
	TakeSequence(ctx context.Context, limit int) (int, bool, error)
	RaiseSequence(ctx context.Context, next int) error
}

// PersonAssigner persists an identifier onto a person record.
type PersonAssigner interface {
	SetPersonUID(ctx context.Context, personID int64, uid int) error
}

// Allocator issues strictly increasing identifiers. Released identifiers are never reused.
type Allocator struct {
	seq Sequence
}

// New returns an allocator backed by seq.
func New(seq Sequence) *Allocator {
	return &Allocator{seq: seq}
}

// Next returns the next free identifier.
func (a *Allocator) Next(ctx context.Context) (int, error) {
	v, ok, err := a.seq.TakeSequence(ctx, model.MaxUID)
	if err != nil {
		return 0, fmt.Errorf("allocate uid: %w", err)
	}
	if !ok {
		return 0, ErrExhausted
	}
	return v, nil
}

// Observe moves the counter past an identifier that was assigned outside the allocator,
// typically one discovered on the terminal during sync. Observing MaxUID leaves no identifier to
// hand out; it reports true so the caller can surface it, since every later Next fails with
// ErrExhausted.
func (a *Allocator) Observe(ctx context.Context, uid int) (bool, error) {
	if uid < 1 || uid > model.MaxUID {
		return false, nil
	}
	if err := a.seq.RaiseSequence(ctx, uid+1); err != nil {
		return false, fmt.Errorf("observe uid %d: %w", uid, err)
	}
	return uid == model.MaxUID, nil
}

// Ensure returns the person's identifier, allocating and persisting one when it has none.
func (a *Allocator) Ensure(ctx context.Context, store PersonAssigner, p model.Person) (int, error) {
	if p.HasUID() {
		return *p.UID, nil
	}

	v, err := a.Next(ctx)
	if err != nil {
		return 0, err
	}
	if err := store.SetPersonUID(ctx, p.ID, v); err != nil {
		return 0, fmt.Errorf("assign uid to person %d: %w", p.ID, err)
	}
	return v, nil
}
