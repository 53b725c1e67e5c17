package service

import "context"

// StoreTx runs a mutation and its audit write in one commit boundary so a
// failed audit append fails the whole operation.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// inMemoryStoreTx is the no-op boundary used with in-memory stores, where
// operations are already applied atomically under the store mutex.
type inMemoryStoreTx struct{}

func newInMemoryStoreTx() StoreTx { return inMemoryStoreTx{} }

func (inMemoryStoreTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
