package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	pkgerrors "github.com/TFMV/queryscope/pkg/errors"
)

// translateError maps driver and context errors onto coded service errors.
// PostgreSQL's message, detail and position are carried through so callers
// can point at the offending token.
func translateError(err error, message string) error {
	if err == nil {
		return nil
	}

	var se *pkgerrors.ServiceError
	if errors.As(err, &se) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return pkgerrors.Wrap(err, pkgerrors.CodeDeadlineExceeded, "statement exceeded its time limit").AsRetryable()
	case errors.Is(err, context.Canceled):
		return pkgerrors.Wrap(err, pkgerrors.CodeCanceled, "statement canceled")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return translatePgError(err, pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, driver.ErrBadConn) {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "database unavailable").AsRetryable()
	}
	if pgconn.Timeout(err) {
		return pkgerrors.Wrap(err, pkgerrors.CodeDeadlineExceeded, "statement exceeded its time limit").AsRetryable()
	}

	return pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, message)
}

func translatePgError(err error, pgErr *pgconn.PgError) error {
	code := pkgerrors.CodeQueryFailed
	retryable := false

	switch {
	case pgErr.Code == "57014":
		// query_canceled, raised by statement_timeout and client cancels
		code, retryable = pkgerrors.CodeDeadlineExceeded, true
	case pgErr.Code == "42601":
		code = pkgerrors.CodeSyntaxError
	case pgErr.Code == "42P01", pgErr.Code == "42703", pgErr.Code == "42704":
		code = pkgerrors.CodeNotFound
	case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
		retryable = true
	case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
		code, retryable = pkgerrors.CodeUnavailable, true
	case strings.HasPrefix(pgErr.Code, "53"):
		code, retryable = pkgerrors.CodeResourceExhausted, true
	}

	se := pkgerrors.Wrap(err, code, pgErr.Message).
		WithPosition(detailOf(pgErr), int(pgErr.Position)).
		WithDetail("sqlstate", pgErr.Code)
	se.Retryable = retryable
	return se
}

func detailOf(pgErr *pgconn.PgError) string {
	if pgErr.Detail != "" {
		return pgErr.Detail
	}
	return pgErr.Hint
}
