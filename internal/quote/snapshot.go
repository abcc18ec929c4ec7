package quote

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is a decoded view of a deal's on-chain account or contract slot.
type Snapshot struct {
	Status      Status
	Version     uint64
	Fingerprint string

	Approved    bool
	Paid        bool
	Fulfilled   bool
	Cancelled   bool
	TokenAmount decimal.Decimal
	AmountPaid  decimal.Decimal
	UnlockAt    time.Time
	ExpiresAt   time.Time

	// ObservedAt is the chain clock at the read, not the local wall clock.
	ObservedAt time.Time
	// Height is the block number or slot the read was served at.
	Height uint64
}

// DecodeResult carries either a decoded snapshot or the raw bytes that could
// not be decoded. It is never a partially typed value.
type DecodeResult struct {
	snapshot Snapshot
	raw      []byte
	decoded  bool
}

// Decoded wraps a successfully decoded snapshot.
func Decoded(s Snapshot) DecodeResult {
	return DecodeResult{snapshot: s, decoded: true}
}

// Undecodable wraps account or return data that did not match the expected layout.
func Undecodable(raw []byte) DecodeResult {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return DecodeResult{raw: buf}
}

// Snapshot returns the decoded snapshot and whether decoding succeeded.
func (r DecodeResult) Snapshot() (Snapshot, bool) {
	return r.snapshot, r.decoded
}

// Raw returns the undecodable payload; nil for decoded results.
func (r DecodeResult) Raw() []byte { return r.raw }
