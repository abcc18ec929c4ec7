package quote

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates no deal exists for the requested id.
	ErrNotFound = errors.New("quote: not found")
	// ErrVersionConflict is returned by compare-and-update when the stored
	// on-chain version no longer matches the expected one.
	ErrVersionConflict = errors.New("quote: on-chain version conflict")
	// ErrDuplicate indicates a deal already exists for the same chain reference.
	ErrDuplicate = errors.New("quote: duplicate chain reference")
)

// Chain names the ledger a deal settles on.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
	ChainBSC      Chain = "bsc"
	ChainSolana   Chain = "solana"
)

// Kind groups chains by RPC protocol.
type Kind string

const (
	KindEVM    Kind = "evm"
	KindSolana Kind = "solana"
)

var supportedChains = map[Chain]Kind{
	ChainEthereum: KindEVM,
	ChainBase:     KindEVM,
	ChainBSC:      KindEVM,
	ChainSolana:   KindSolana,
}

// ParseChain validates a chain name against the supported set.
func ParseChain(v string) (Chain, error) {
	c := Chain(v)
	if _, ok := supportedChains[c]; !ok {
		return "", fmt.Errorf("unsupported chain %q", v)
	}
	return c, nil
}

// Kind returns the RPC family of the chain; empty for unknown chains.
func (c Chain) Kind() Kind { return supportedChains[c] }

func (c Chain) String() string { return string(c) }

// Deal is the off-chain record of one OTC quote.
type Deal struct {
	ID               string
	Chain            Chain
	OnChainRef       string
	Status           Status
	OnChainVersion   uint64
	Fingerprint      string
	TokenAmount      decimal.Decimal
	AmountPaid       decimal.Decimal
	ExpiresAt        time.Time
	LastReconciledAt time.Time
	DriftFlag        bool
	DriftReason      string
	// Revision counts store writes to the record, engine and manual alike.
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fields are the reconciliation-owned columns written by compare-and-update.
// DriftFlag only ever sets the flag; stores keep an existing flag in place.
// Revision is the record revision the fields were derived from; the write is
// rejected as a conflict when the record was written since.
type Fields struct {
	Status           Status
	OnChainVersion   uint64
	Fingerprint      string
	TokenAmount      decimal.Decimal
	AmountPaid       decimal.Decimal
	ExpiresAt        time.Time
	LastReconciledAt time.Time
	DriftFlag        bool
	DriftReason      string
	Revision         uint64
}

// Fields returns the deal's current reconciliation fields, ready to be edited.
func (d Deal) Fields() Fields {
	return Fields{
		Status:           d.Status,
		OnChainVersion:   d.OnChainVersion,
		Fingerprint:      d.Fingerprint,
		TokenAmount:      d.TokenAmount,
		AmountPaid:       d.AmountPaid,
		ExpiresAt:        d.ExpiresAt,
		LastReconciledAt: d.LastReconciledAt,
		DriftFlag:        d.DriftFlag,
		DriftReason:      d.DriftReason,
		Revision:         d.Revision,
	}
}

// Apply returns a copy of d with f written over it, keeping drift sticky.
func (d Deal) Apply(f Fields, now time.Time) Deal {
	out := d
	out.Status = f.Status
	out.OnChainVersion = f.OnChainVersion
	out.Fingerprint = f.Fingerprint
	out.TokenAmount = f.TokenAmount
	out.AmountPaid = f.AmountPaid
	out.ExpiresAt = f.ExpiresAt
	out.LastReconciledAt = f.LastReconciledAt
	if f.DriftFlag && !d.DriftFlag {
		out.DriftFlag = true
		out.DriftReason = f.DriftReason
	}
	out.Revision = d.Revision + 1
	out.UpdatedAt = now
	return out
}

// Validate checks the identifying fields of a new deal.
func (d Deal) Validate() error {
	if d.ID == "" {
		return errors.New("quote id is required")
	}
	if _, err := ParseChain(string(d.Chain)); err != nil {
		return err
	}
	if d.OnChainRef == "" {
		return errors.New("on-chain reference is required")
	}
	return nil
}
