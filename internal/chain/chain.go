package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"otc-reconciler/internal/quote"
)

// Reader decodes one deal's on-chain state for a single chain.
type Reader interface {
	ReadDealState(ctx context.Context, ref string) (quote.DecodeResult, error)
}

// ErrorKind classifies read failures by retry safety.
type ErrorKind int

const (
	// Transient failures are safe to retry on the next trigger.
	Transient ErrorKind = iota + 1
	// Permanent failures need manual review before retrying.
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ReadError is the only error type produced by Router reads.
type ReadError struct {
	Kind  ErrorKind
	Chain quote.Chain
	Ref   string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s read %s/%s: %v", e.Kind, e.Chain, e.Ref, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable chain read failure.
func IsTransient(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Kind == Transient
}

// IsPermanent reports whether err is a non-retryable chain read failure.
func IsPermanent(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Kind == Permanent
}

type classified struct {
	kind ErrorKind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// MarkPermanent tags err as permanent so the router does not guess.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: Permanent, err: err}
}

// MarkTransient tags err as transient so the router does not guess.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: Transient, err: err}
}

// Classify resolves the kind of an error returned by a Reader. Readers tag
// what they understand; everything else is judged here. Unknown failures
// are treated as transient since a retry only costs another read.
func Classify(err error) ErrorKind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	var re *ReadError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return Transient
		}
	}
	for _, hint := range permanentHints {
		if strings.Contains(msg, hint) {
			return Permanent
		}
	}
	return Transient
}

var transientHints = []string{
	"429",
	"too many requests",
	"rate limit",
	"timeout",
	"connection reset",
	"connection refused",
	"eof",
	"503",
	"502",
}

var permanentHints = []string{
	"execution reverted",
	"account not found",
	"invalid param",
	"abi: ",
}
