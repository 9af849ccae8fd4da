package chat

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgTooManyConnections   = "53300"
	pgAdminShutdown        = "57P01"
	pgCrashShutdown        = "57P02"
	pgCannotConnectNow     = "57P03"
)

// classifyPGError maps driver errors onto the chat error kinds.
// Caller cancellation is returned unchanged; it is never a storage outage.
func classifyPGError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return OpError{Op: op, Kind: ErrConflict, Msg: pgErr.ConstraintName, Err: err}
		case pgSerializationFailure, pgDeadlockDetected, pgTooManyConnections,
			pgAdminShutdown, pgCrashShutdown, pgCannotConnectNow:
			return unavailable(op, err)
		}
		return wrapOp(op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return unavailable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return unavailable(op, err)
	}
	return wrapOp(op, err)
}
