package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-reconciler/internal/quote"
)

const (
	solanaLamportDecimals = 9
	solanaUSDCDecimals    = 6
)

// anchor account discriminators: sha256("account:<Name>")[:8]
var (
	offerDiscriminator = accountDiscriminator("Offer")
	deskDiscriminator  = accountDiscriminator("Desk")
)

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// offerAccount mirrors the on-chain Offer layout after the discriminator.
type offerAccount struct {
	Desk                 solana.PublicKey
	ConsignmentID        uint64
	TokenMint            solana.PublicKey
	TokenDecimals        uint8
	ID                   uint64
	Beneficiary          solana.PublicKey
	TokenAmount          uint64
	DiscountBps          uint16
	CreatedAt            int64
	UnlockTime           int64
	PriceUsdPerToken8d   uint64
	MaxPriceDeviationBps uint16
	SolUsdPrice8d        uint64
	Currency             uint8
	Approved             bool
	Paid                 bool
	Fulfilled            bool
	Cancelled            bool
	Payer                solana.PublicKey
	AmountPaid           uint64
	AgentCommissionBps   uint16
}

// deskPrefix is the fixed-size head of the Desk account; the rest is ignored.
type deskPrefix struct {
	Owner           solana.PublicKey
	Agent           solana.PublicKey
	UsdcMint        solana.PublicKey
	UsdcDecimals    uint8
	MinUsdAmount8d  uint64
	QuoteExpirySecs int64
}

type clockSysvar struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	UnixTimestamp       int64
}

// SolanaOptions parameterise the Solana reader.
type SolanaOptions struct {
	RPCURL    string
	ProgramID string
	// Commitment is processed, confirmed or finalized.
	Commitment string
}

// SolanaReader decodes OTC offer accounts owned by the desk program.
// References are base58 offer account addresses.
type SolanaReader struct {
	opts      SolanaOptions
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewSolanaReader builds a reader; the RPC client is created lazily.
func NewSolanaReader(opts SolanaOptions, logger zerolog.Logger) *SolanaReader {
	return &SolanaReader{opts: opts, logger: logger.With().Str("component", "solana_reader").Logger()}
}

// ReadDealState reads the offer account and the clock sysvar in one call so
// both come from the same slot.
func (s *SolanaReader) ReadDealState(ctx context.Context, ref string) (quote.DecodeResult, error) {
	if s.opts.RPCURL == "" {
		return quote.DecodeResult{}, MarkPermanent(errors.New("solana rpc url not configured"))
	}
	program, err := solana.PublicKeyFromBase58(s.opts.ProgramID)
	if err != nil {
		return quote.DecodeResult{}, MarkPermanent(fmt.Errorf("invalid program id %q: %w", s.opts.ProgramID, err))
	}
	offerKey, err := solana.PublicKeyFromBase58(ref)
	if err != nil {
		return quote.DecodeResult{}, MarkPermanent(fmt.Errorf("invalid offer address %q: %w", ref, err))
	}
	commitment, err := commitmentType(s.opts.Commitment)
	if err != nil {
		return quote.DecodeResult{}, MarkPermanent(err)
	}

	client := s.getClient()
	res, err := client.GetMultipleAccountsWithOpts(ctx,
		[]solana.PublicKey{offerKey, solana.SysVarClockPubkey},
		&rpc.GetMultipleAccountsOpts{Commitment: commitment, Encoding: solana.EncodingBase64},
	)
	if err != nil {
		return quote.DecodeResult{}, classifySolana(fmt.Errorf("getMultipleAccounts: %w", err))
	}
	if res == nil || len(res.Value) != 2 {
		return quote.DecodeResult{}, MarkTransient(errors.New("getMultipleAccounts: short response"))
	}
	offerAcc, clockAcc := res.Value[0], res.Value[1]
	if offerAcc == nil {
		return quote.DecodeResult{}, MarkPermanent(fmt.Errorf("offer account %s not found", offerKey))
	}
	if !offerAcc.Owner.Equals(program) {
		return quote.DecodeResult{}, MarkPermanent(fmt.Errorf("offer account %s owned by %s, want %s", offerKey, offerAcc.Owner, program))
	}
	if clockAcc == nil || clockAcc.Data == nil {
		return quote.DecodeResult{}, MarkTransient(errors.New("clock sysvar missing from response"))
	}

	offerData := offerAcc.Data.GetBinary()
	offer, ok := decodeOfferAccount(offerData)
	if !ok {
		return quote.Undecodable(offerData), nil
	}
	var clock clockSysvar
	if err := bin.NewBorshDecoder(clockAcc.Data.GetBinary()).Decode(&clock); err != nil {
		return quote.DecodeResult{}, MarkTransient(fmt.Errorf("decode clock sysvar: %w", err))
	}

	desk, err := s.readDesk(ctx, client, offer.Desk, commitment)
	if err != nil {
		return quote.DecodeResult{}, err
	}

	state := solanaOfferState(offer, desk, clock, res.Context.Slot)
	s.logger.Debug().Str("ref", ref).Uint64("slot", state.Height).Msg("offer decoded")
	return quote.Decoded(state.Snapshot()), nil
}

func (s *SolanaReader) readDesk(ctx context.Context, client *rpc.Client, desk solana.PublicKey, commitment rpc.CommitmentType) (deskPrefix, error) {
	res, err := client.GetAccountInfoWithOpts(ctx, desk, &rpc.GetAccountInfoOpts{Commitment: commitment, Encoding: solana.EncodingBase64})
	if err != nil {
		return deskPrefix{}, classifySolana(fmt.Errorf("getAccountInfo desk %s: %w", desk, err))
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return deskPrefix{}, MarkPermanent(fmt.Errorf("desk account %s not found", desk))
	}
	data := res.Value.Data.GetBinary()
	if len(data) < 8 || !bytes.Equal(data[:8], deskDiscriminator[:]) {
		return deskPrefix{}, MarkPermanent(fmt.Errorf("desk account %s has unexpected discriminator", desk))
	}
	var d deskPrefix
	if err := bin.NewBorshDecoder(data[8:]).Decode(&d); err != nil {
		return deskPrefix{}, MarkPermanent(fmt.Errorf("decode desk %s: %w", desk, err))
	}
	return d, nil
}

func (s *SolanaReader) getClient() *rpc.Client {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client == nil {
		s.client = rpc.New(s.opts.RPCURL)
	}
	return s.client
}

func decodeOfferAccount(data []byte) (offerAccount, bool) {
	if len(data) < 8 || !bytes.Equal(data[:8], offerDiscriminator[:]) {
		return offerAccount{}, false
	}
	var offer offerAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&offer); err != nil {
		return offerAccount{}, false
	}
	return offer, true
}

func solanaOfferState(offer offerAccount, desk deskPrefix, clock clockSysvar, slot uint64) OfferState {
	paidDecimals := int32(solanaLamportDecimals)
	if offer.Currency == 1 {
		paidDecimals = solanaUSDCDecimals
	}
	state := OfferState{
		Approved:    offer.Approved,
		Paid:        offer.Paid,
		Fulfilled:   offer.Fulfilled,
		Cancelled:   offer.Cancelled,
		Now:         time.Unix(clock.UnixTimestamp, 0).UTC(),
		Height:      slot,
		TokenAmount: decimal.NewFromBigInt(new(big.Int).SetUint64(offer.TokenAmount), -int32(offer.TokenDecimals)),
		AmountPaid:  decimal.NewFromBigInt(new(big.Int).SetUint64(offer.AmountPaid), -paidDecimals),
		Beneficiary: offer.Beneficiary.Bytes(),
		Payer:       offer.Payer.Bytes(),
	}
	if offer.CreatedAt > 0 {
		state.CreatedAt = time.Unix(offer.CreatedAt, 0).UTC()
		state.ExpiresAt = time.Unix(offer.CreatedAt+desk.QuoteExpirySecs, 0).UTC()
	}
	if offer.UnlockTime > 0 {
		state.UnlockAt = time.Unix(offer.UnlockTime, 0).UTC()
	}
	return state
}

func commitmentType(v string) (rpc.CommitmentType, error) {
	switch strings.ToLower(v) {
	case "", "finalized":
		return rpc.CommitmentFinalized, nil
	case "confirmed":
		return rpc.CommitmentConfirmed, nil
	case "processed":
		return rpc.CommitmentProcessed, nil
	default:
		return "", fmt.Errorf("unknown solana commitment %q", v)
	}
}

// classifySolana maps solana-go errors onto read error kinds.
func classifySolana(err error) error {
	if errors.Is(err, rpc.ErrNotFound) {
		return MarkPermanent(err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32005, -32004, -32007, -32014, -32016, 429:
			// node behind, slot skipped, block not available, min context slot not reached
			return MarkTransient(err)
		case -32602:
			return MarkPermanent(err)
		}
	}
	return err
}

var _ Reader = (*SolanaReader)(nil)
