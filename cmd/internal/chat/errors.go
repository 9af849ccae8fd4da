package chat

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds; Err optionally carries the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

func unavailable(op string, cause error) error {
	return OpError{Op: op, Kind: ErrStorageUnavailable, Err: cause}
}

// wrapOp attaches op to err unless it already carries a sentinel kind.
func wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
