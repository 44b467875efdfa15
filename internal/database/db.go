package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories translate into domain sentinels
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeNotNullViolation    = "23502"
	codeCheckViolation      = "23514"
	codeInvalidText         = "22P02"
)

// MapPostgresError translates driver errors into model sentinels. Errors it
// does not recognize are returned unchanged and surface as infrastructure
// failures in the services.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", models.ErrConflict, pgErr.ConstraintName)
		case codeForeignKeyViolation, codeNotNullViolation, codeCheckViolation:
			return fmt.Errorf("%w: %s", models.ErrBadRequest, pgErr.ConstraintName)
		case codeInvalidText:
			// a malformed UUID cannot name an existing row
			return models.ErrNotFound
		}
	}

	return err
}

// WithTransaction runs fn inside a transaction. It commits when fn returns
// nil and rolls back on error or panic.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(tx)
}
