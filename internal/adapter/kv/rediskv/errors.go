package rediskv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies KV failures so callers match on kinds, never on
// message text.
type ErrorKind int

const (
	// KindTransient covers network and timeout failures; callers may retry.
	KindTransient ErrorKind = iota
	// KindProtocol covers type mismatches (e.g. WRONGTYPE on a pattern scan
	// that bled into another keyspace); callers must skip the offending key
	// and continue.
	KindProtocol
)

// Error is the typed KV failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Kind == KindProtocol {
		kind = "protocol"
	}
	return fmt.Sprintf("kv %s error op=%s key=%s: %v", kind, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient KV error.
func IsTransient(err error) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Kind == KindTransient
}

// IsProtocol reports whether err is a protocol (type-mismatch) KV error.
func IsProtocol(err error) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Kind == KindProtocol
}

var errNoLocal = errors.New("routine has no local implementation")

// classify wraps a raw redis error into the adapter taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return &Error{Kind: KindProtocol, Op: op, Key: key, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Op: op, Key: key, Err: err}
	}
	// Connection-level failures from go-redis surface as plain errors;
	// anything that is not a reply-type problem is treated as transient.
	return &Error{Kind: KindTransient, Op: op, Key: key, Err: err}
}
