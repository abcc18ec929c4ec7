package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-reconciler/internal/quote"
)

const otcABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"offers","outputs":[
 {"internalType":"uint256","name":"consignmentId","type":"uint256"},
 {"internalType":"bytes32","name":"tokenId","type":"bytes32"},
 {"internalType":"address","name":"beneficiary","type":"address"},
 {"internalType":"uint256","name":"tokenAmount","type":"uint256"},
 {"internalType":"uint256","name":"discountBps","type":"uint256"},
 {"internalType":"uint256","name":"createdAt","type":"uint256"},
 {"internalType":"uint256","name":"unlockTime","type":"uint256"},
 {"internalType":"uint256","name":"priceUsdPerToken","type":"uint256"},
 {"internalType":"uint256","name":"maxPriceDeviation","type":"uint256"},
 {"internalType":"uint256","name":"ethUsdPrice","type":"uint256"},
 {"internalType":"uint8","name":"currency","type":"uint8"},
 {"internalType":"bool","name":"approved","type":"bool"},
 {"internalType":"bool","name":"paid","type":"bool"},
 {"internalType":"bool","name":"fulfilled","type":"bool"},
 {"internalType":"bool","name":"cancelled","type":"bool"},
 {"internalType":"address","name":"payer","type":"address"},
 {"internalType":"uint256","name":"amountPaid","type":"uint256"},
 {"internalType":"uint16","name":"agentCommissionBps","type":"uint16"}
],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"quoteExpirySecs","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const (
	evmTokenDecimals = 18
	evmETHDecimals   = 18
	evmUSDCDecimals  = 6
)

var otcABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(otcABIJSON))
	if err != nil {
		panic("failed to parse OTC ABI: " + err.Error())
	}
	otcABI = parsed
}

// EVMOptions parameterise the EVM reader.
type EVMOptions struct {
	RPCURL string
	// Confirmation is the block tag reads are pinned to: latest, safe or finalized.
	Confirmation string
}

// EVMReader decodes OTC offers from an EVM contract. References have the
// form "<contract address>:<offer id>".
type EVMReader struct {
	opts      EVMOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVMReader builds a reader; the RPC connection is dialled lazily.
func NewEVMReader(opts EVMOptions, logger zerolog.Logger) *EVMReader {
	return &EVMReader{opts: opts, logger: logger.With().Str("component", "evm_reader").Logger()}
}

// ParseEVMRef splits a reference into contract address and offer id.
func ParseEVMRef(ref string) (common.Address, *big.Int, error) {
	addrPart, idPart, ok := strings.Cut(ref, ":")
	if !ok {
		return common.Address{}, nil, fmt.Errorf("evm reference %q must be <contract>:<offerId>", ref)
	}
	if !common.IsHexAddress(addrPart) {
		return common.Address{}, nil, fmt.Errorf("evm reference %q has invalid contract address", ref)
	}
	id, ok := new(big.Int).SetString(idPart, 10)
	if !ok || id.Sign() < 0 {
		return common.Address{}, nil, fmt.Errorf("evm reference %q has invalid offer id", ref)
	}
	return common.HexToAddress(addrPart), id, nil
}

// ReadDealState reads the offer pinned to a single block of the configured tag.
func (e *EVMReader) ReadDealState(ctx context.Context, ref string) (quote.DecodeResult, error) {
	if e.opts.RPCURL == "" {
		return quote.DecodeResult{}, MarkPermanent(errors.New("evm rpc url not configured"))
	}
	contract, offerID, err := ParseEVMRef(ref)
	if err != nil {
		return quote.DecodeResult{}, MarkPermanent(err)
	}
	tag, err := blockTag(e.opts.Confirmation)
	if err != nil {
		return quote.DecodeResult{}, MarkPermanent(err)
	}

	client, err := e.getClient(ctx)
	if err != nil {
		return quote.DecodeResult{}, classifyEVM(err)
	}

	header, err := client.HeaderByNumber(ctx, tag)
	if err != nil {
		return quote.DecodeResult{}, classifyEVM(fmt.Errorf("fetch %s header: %w", e.confirmation(), err))
	}

	offerData, err := e.call(ctx, client, contract, header.Number, "offers", offerID)
	if err != nil {
		return quote.DecodeResult{}, classifyEVM(fmt.Errorf("call offers(%s): %w", offerID, err))
	}
	expiryData, err := e.call(ctx, client, contract, header.Number, "quoteExpirySecs")
	if err != nil {
		return quote.DecodeResult{}, classifyEVM(fmt.Errorf("call quoteExpirySecs: %w", err))
	}

	state, ok := decodeEVMOffer(offerData, expiryData, header)
	if !ok {
		return quote.Undecodable(offerData), nil
	}
	if state.CreatedAt.IsZero() {
		return quote.DecodeResult{}, MarkPermanent(fmt.Errorf("offer %s does not exist on %s", offerID, contract.Hex()))
	}

	e.logger.Debug().Str("ref", ref).Uint64("block", state.Height).Msg("offer decoded")
	return quote.Decoded(state.Snapshot()), nil
}

func (e *EVMReader) call(ctx context.Context, client *ethclient.Client, to common.Address, block *big.Int, method string, args ...interface{}) ([]byte, error) {
	payload, err := otcABI.Pack(method, args...)
	if err != nil {
		return nil, MarkPermanent(err)
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, block)
}

func (e *EVMReader) confirmation() string {
	if e.opts.Confirmation == "" {
		return "latest"
	}
	return e.opts.Confirmation
}

func (e *EVMReader) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

func decodeEVMOffer(offerData, expiryData []byte, header *types.Header) (OfferState, bool) {
	outputs, err := otcABI.Unpack("offers", offerData)
	if err != nil || len(outputs) != 18 {
		return OfferState{}, false
	}
	expiryOut, err := otcABI.Unpack("quoteExpirySecs", expiryData)
	if err != nil || len(expiryOut) != 1 {
		return OfferState{}, false
	}

	beneficiary, ok1 := outputs[2].(common.Address)
	tokenAmount, ok2 := outputs[3].(*big.Int)
	createdAt, ok3 := outputs[5].(*big.Int)
	unlockTime, ok4 := outputs[6].(*big.Int)
	currency, ok5 := outputs[10].(uint8)
	approved, ok6 := outputs[11].(bool)
	paid, ok7 := outputs[12].(bool)
	fulfilled, ok8 := outputs[13].(bool)
	cancelled, ok9 := outputs[14].(bool)
	payer, ok10 := outputs[15].(common.Address)
	amountPaid, ok11 := outputs[16].(*big.Int)
	expirySecs, ok12 := expiryOut[0].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9 && ok10 && ok11 && ok12) {
		return OfferState{}, false
	}
	if !createdAt.IsInt64() || !unlockTime.IsInt64() || !expirySecs.IsInt64() {
		return OfferState{}, false
	}

	paidDecimals := int32(evmETHDecimals)
	if currency == 1 {
		paidDecimals = evmUSDCDecimals
	}

	state := OfferState{
		Approved:    approved,
		Paid:        paid,
		Fulfilled:   fulfilled,
		Cancelled:   cancelled,
		Now:         time.Unix(int64(header.Time), 0).UTC(),
		Height:      header.Number.Uint64(),
		TokenAmount: decimal.NewFromBigInt(tokenAmount, -evmTokenDecimals),
		AmountPaid:  decimal.NewFromBigInt(amountPaid, -paidDecimals),
		Beneficiary: beneficiary.Bytes(),
		Payer:       payer.Bytes(),
	}
	if created := createdAt.Int64(); created > 0 {
		state.CreatedAt = time.Unix(created, 0).UTC()
		state.ExpiresAt = time.Unix(created+expirySecs.Int64(), 0).UTC()
	}
	if unlock := unlockTime.Int64(); unlock > 0 {
		state.UnlockAt = time.Unix(unlock, 0).UTC()
	}
	return state, true
}

func blockTag(confirmation string) (*big.Int, error) {
	switch strings.ToLower(confirmation) {
	case "", "latest":
		return big.NewInt(int64(rpc.LatestBlockNumber)), nil
	case "safe":
		return big.NewInt(int64(rpc.SafeBlockNumber)), nil
	case "finalized":
		return big.NewInt(int64(rpc.FinalizedBlockNumber)), nil
	default:
		if n, err := strconv.ParseUint(confirmation, 10, 64); err == nil {
			return new(big.Int).SetUint64(n), nil
		}
		return nil, fmt.Errorf("unknown evm confirmation %q", confirmation)
	}
}

// classifyEVM maps go-ethereum errors onto read error kinds.
func classifyEVM(err error) error {
	var c *classified
	if errors.As(err, &c) {
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return MarkTransient(err)
		}
		return MarkPermanent(err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32005, -32603, -32000:
			// limit exceeded, internal error, generic server error (lagging or overloaded node)
			if strings.Contains(strings.ToLower(rpcErr.Error()), "revert") {
				return MarkPermanent(err)
			}
			return MarkTransient(err)
		case -32602, 3:
			return MarkPermanent(err)
		}
	}
	if errors.Is(err, ethereum.NotFound) {
		// the pinned block is not yet available on this node
		return MarkTransient(err)
	}
	return err
}

var _ Reader = (*EVMReader)(nil)
