package chain

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeebo/blake3"

	"otc-reconciler/internal/quote"
)

// OfferState is the chain-neutral projection of an OTC offer account or
// contract slot. Both readers decode into it so status mapping, versioning
// and fingerprinting are identical across chains.
type OfferState struct {
	Approved  bool
	Paid      bool
	Fulfilled bool
	Cancelled bool

	CreatedAt time.Time
	UnlockAt  time.Time
	ExpiresAt time.Time
	// Now is the chain clock of the read.
	Now    time.Time
	Height uint64

	TokenAmount decimal.Decimal
	AmountPaid  decimal.Decimal

	Beneficiary []byte
	Payer       []byte
}

func (o OfferState) expired() bool {
	if o.Paid || o.Cancelled || o.Fulfilled || o.ExpiresAt.IsZero() {
		return false
	}
	return o.Now.After(o.ExpiresAt)
}

func (o OfferState) unlocked() bool {
	return o.Paid && !o.UnlockAt.IsZero() && !o.Now.Before(o.UnlockAt)
}

// Status maps the offer flags onto the deal state machine.
func (o OfferState) Status() quote.Status {
	switch {
	case o.Cancelled:
		return quote.StatusCancelled
	case o.Fulfilled:
		return quote.StatusFilled
	case o.unlocked():
		return quote.StatusPendingApproval
	case o.Paid:
		return quote.StatusFunded
	case o.expired():
		return quote.StatusExpired
	default:
		return quote.StatusCreated
	}
}

// Version counts the set-once progress bits of the offer. The programs only
// ever flip these flags from false to true and the chain clock only moves
// forward, so the count never decreases for a given offer.
func (o OfferState) Version() uint64 {
	var v uint64
	for _, bit := range []bool{o.Approved, o.Paid, o.unlocked(), o.Fulfilled, o.Cancelled, o.expired()} {
		if bit {
			v++
		}
	}
	return v
}

// Fingerprint hashes the observed fields, excluding the chain clock.
func (o OfferState) Fingerprint() string {
	h := blake3.New()
	var flags [4]byte
	for i, b := range []bool{o.Approved, o.Paid, o.Fulfilled, o.Cancelled} {
		if b {
			flags[i] = 1
		}
	}
	h.Write(flags[:])

	var ts [8]byte
	for _, t := range []time.Time{o.CreatedAt, o.UnlockAt, o.ExpiresAt} {
		binary.BigEndian.PutUint64(ts[:], uint64(unixOrZero(t)))
		h.Write(ts[:])
	}
	h.Write([]byte(o.TokenAmount.String()))
	h.Write([]byte{0})
	h.Write([]byte(o.AmountPaid.String()))
	h.Write([]byte{0})
	h.Write(o.Beneficiary)
	h.Write(o.Payer)

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Snapshot converts the offer into the engine's snapshot type.
func (o OfferState) Snapshot() quote.Snapshot {
	return quote.Snapshot{
		Status:      o.Status(),
		Version:     o.Version(),
		Fingerprint: o.Fingerprint(),
		Approved:    o.Approved,
		Paid:        o.Paid,
		Fulfilled:   o.Fulfilled,
		Cancelled:   o.Cancelled,
		TokenAmount: o.TokenAmount,
		AmountPaid:  o.AmountPaid,
		UnlockAt:    o.UnlockAt,
		ExpiresAt:   o.ExpiresAt,
		ObservedAt:  o.Now,
		Height:      o.Height,
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
