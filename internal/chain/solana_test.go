package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"otc-reconciler/internal/quote"
)

var (
	testProgram = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	testDesk    = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	testOffer   = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

func borsh(t *testing.T, prefix [8]byte, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(prefix[:])
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func accountJSON(owner solana.PublicKey, data []byte) map[string]any {
	return map[string]any{
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"lamports":   1_000_000,
		"owner":      owner.String(),
		"rentEpoch":  0,
	}
}

func solanaServer(t *testing.T, offerOwner solana.PublicKey, offerData []byte, unix int64) *httptest.Server {
	t.Helper()
	var clockBuf bytes.Buffer
	clock := clockSysvar{Slot: 4242, Epoch: 9, UnixTimestamp: unix}
	if err := bin.NewBorshEncoder(&clockBuf).Encode(&clock); err != nil {
		t.Fatalf("encode clock: %v", err)
	}
	desk := borsh(t, deskDiscriminator, &deskPrefix{UsdcDecimals: 6, QuoteExpirySecs: 1800})

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx := map[string]any{"slot": 4242}
		var result any
		switch req.Method {
		case "getMultipleAccounts":
			result = map[string]any{
				"context": ctx,
				"value": []any{
					accountJSON(offerOwner, offerData),
					accountJSON(solana.SysVarRentPubkey, clockBuf.Bytes()),
				},
			}
		case "getAccountInfo":
			result = map[string]any{"context": ctx, "value": accountJSON(testProgram, desk)}
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func testOfferAccount(created int64) offerAccount {
	return offerAccount{
		Desk:          testDesk,
		TokenDecimals: 9,
		ID:            3,
		TokenAmount:   5_000_000_000,
		CreatedAt:     created,
		UnlockTime:    created + 600,
		Currency:      0,
		Approved:      true,
		Paid:          true,
		AmountPaid:    250_000_000,
	}
}

func TestSolanaReaderMissingConfig(t *testing.T) {
	r := NewSolanaReader(SolanaOptions{}, zerolog.Nop())
	if _, err := r.ReadDealState(context.Background(), testOffer.String()); err == nil || Classify(err) != Permanent {
		t.Fatalf("未配置 RPC 时应返回永久错误, got %v", err)
	}

	r = NewSolanaReader(SolanaOptions{RPCURL: "http://localhost", ProgramID: testProgram.String()}, zerolog.Nop())
	if _, err := r.ReadDealState(context.Background(), "not-base58!"); err == nil || Classify(err) != Permanent {
		t.Fatalf("bad offer address should be permanent, got %v", err)
	}
}

func TestSolanaReaderDecodesOffer(t *testing.T) {
	const created = int64(1_760_000_000)
	offer := testOfferAccount(created)
	srv := solanaServer(t, testProgram, borsh(t, offerDiscriminator, &offer), created+700)
	defer srv.Close()

	r := NewSolanaReader(SolanaOptions{RPCURL: srv.URL, ProgramID: testProgram.String(), Commitment: "confirmed"}, zerolog.Nop())
	res, err := r.ReadDealState(context.Background(), testOffer.String())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	snap, ok := res.Snapshot()
	if !ok {
		t.Fatal("expected decoded snapshot")
	}
	if snap.Status != quote.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", snap.Status)
	}
	if snap.Version != 3 {
		t.Fatalf("version = %d, want 3", snap.Version)
	}
	if snap.Height != 4242 {
		t.Fatalf("height = %d", snap.Height)
	}
	if snap.TokenAmount.String() != "5" || snap.AmountPaid.String() != "0.25" {
		t.Fatalf("amounts = %s / %s", snap.TokenAmount, snap.AmountPaid)
	}
	if snap.ExpiresAt.Unix() != created+1800 {
		t.Fatalf("expiresAt = %s", snap.ExpiresAt)
	}
}

func TestSolanaReaderWrongOwnerIsPermanent(t *testing.T) {
	offer := testOfferAccount(1_760_000_000)
	srv := solanaServer(t, testDesk, borsh(t, offerDiscriminator, &offer), 1_760_000_100)
	defer srv.Close()

	r := NewSolanaReader(SolanaOptions{RPCURL: srv.URL, ProgramID: testProgram.String()}, zerolog.Nop())
	if _, err := r.ReadDealState(context.Background(), testOffer.String()); err == nil || Classify(err) != Permanent {
		t.Fatalf("foreign account should be permanent, got %v", err)
	}
}

func TestSolanaReaderBadDiscriminatorIsUndecodable(t *testing.T) {
	offer := testOfferAccount(1_760_000_000)
	srv := solanaServer(t, testProgram, borsh(t, deskDiscriminator, &offer), 1_760_000_100)
	defer srv.Close()

	r := NewSolanaReader(SolanaOptions{RPCURL: srv.URL, ProgramID: testProgram.String()}, zerolog.Nop())
	res, err := r.ReadDealState(context.Background(), testOffer.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res.Snapshot(); ok {
		t.Fatal("账户判别符不匹配时不应解码")
	}
	if len(res.Raw()) == 0 {
		t.Fatal("raw payload should be kept")
	}
}

func TestCommitmentType(t *testing.T) {
	if _, err := commitmentType("eventually"); err == nil {
		t.Fatal("unknown commitment should fail")
	}
	for _, c := range []string{"", "processed", "confirmed", "finalized"} {
		if _, err := commitmentType(c); err != nil {
			t.Fatalf("commitmentType(%q): %v", c, err)
		}
	}
}
