package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/floegence/threadsync/internal/apperr"
)

// errStoreClosed is returned by every method of a closed or zero-value store.
var errStoreClosed = errors.New("store not initialized")

const pgUndefinedTable = "42P01"

// classify maps a driver error to the apperr taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, pgx.ErrNoRows):
		return apperr.E(apperr.KindNotFound, op, err)
	case errors.Is(err, errStoreClosed):
		return apperr.E(apperr.KindRemote, op, err)
	}
	return apperr.FromContext(ctx, op, err)
}

// missingTable reports whether err means a table has not been provisioned yet.
func missingTable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUndefinedTable
	}
	return strings.Contains(err.Error(), "no such table")
}

func invalid(op string, msg string) error {
	return apperr.Errorf(apperr.KindInvalid, op, "%s", msg)
}

func notFound(op string, what string) error {
	return apperr.Errorf(apperr.KindNotFound, op, "%s not found", what)
}

func validateThread(op string, t Thread) error {
	if t.ID == "" || t.UserID == "" {
		return invalid(op, "invalid thread")
	}
	if _, ok := NormalizeTitle(t.Title); !ok {
		return invalid(op, "title too long")
	}
	return nil
}

func validateMessage(op string, m Message) error {
	if m.ID == "" || m.ThreadID == "" || m.UserID == "" {
		return invalid(op, "invalid message")
	}
	if !m.Role.Valid() {
		return invalid(op, "invalid role")
	}
	return nil
}

func validatePatch(op string, patch ThreadPatch) (ThreadPatch, error) {
	if patch.Empty() {
		return patch, invalid(op, "empty patch")
	}
	if patch.Title != nil {
		title, ok := NormalizeTitle(*patch.Title)
		if !ok {
			return patch, invalid(op, "title too long")
		}
		patch.Title = &title
	}
	return patch, nil
}
