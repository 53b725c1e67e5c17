package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "aegis/pkg/domain-errors"
	txcontext "aegis/pkg/platform/tx"
)

const defaultTenantTxTimeout = 5 * time.Second

// tenantPostgresTx commits a tenant mutation and its audit append together.
// The open transaction travels through the context, where the tenant and
// audit stores pick it up.
type tenantPostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newTenantPostgresTx(db *sql.DB) *tenantPostgresTx {
	return &tenantPostgresTx{db: db}
}

func (t *tenantPostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	// Already inside a transaction; join it.
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTenantTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}
