package quote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanReachForwardEdges(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusFunded, true},
		{StatusFunded, StatusPendingApproval, true},
		{StatusPendingApproval, StatusFilled, true},
		{StatusCreated, StatusFilled, true},
		{StatusFunded, StatusExpired, true},
		{StatusPendingApproval, StatusDisputed, true},
		{StatusCreated, StatusDisputed, true},
		{StatusFunded, StatusCreated, false},
		{StatusFilled, StatusCancelled, false},
		{StatusDisputed, StatusFilled, false},
		{StatusCancelled, StatusCreated, false},
		{StatusFunded, StatusFunded, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, tc.from.CanReach(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalAndFrozen(t *testing.T) {
	for _, s := range []Status{StatusFilled, StatusCancelled, StatusExpired} {
		assert.True(t, s.Terminal(), s)
		assert.True(t, s.Frozen(), s)
	}
	assert.False(t, StatusDisputed.Terminal())
	assert.True(t, StatusDisputed.Frozen())
	assert.False(t, StatusPendingApproval.Frozen())
}

func TestParseStatusAndChain(t *testing.T) {
	s, err := ParseStatus("pending_approval")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, s)

	_, err = ParseStatus("settled")
	assert.Error(t, err)

	c, err := ParseChain("base")
	require.NoError(t, err)
	assert.Equal(t, KindEVM, c.Kind())
	assert.Equal(t, KindSolana, ChainSolana.Kind())

	_, err = ParseChain("tron")
	assert.Error(t, err)
}

func TestApplyKeepsDriftSticky(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := Deal{ID: "q", Status: StatusFunded, DriftFlag: true, DriftReason: "first", Revision: 4}

	f := d.Fields()
	f.DriftFlag = false
	f.Status = StatusPendingApproval
	out := d.Apply(f, now)

	assert.True(t, out.DriftFlag)
	assert.Equal(t, "first", out.DriftReason)
	assert.Equal(t, StatusPendingApproval, out.Status)
	assert.Equal(t, now, out.UpdatedAt)
	assert.Equal(t, uint64(5), out.Revision)
}

func TestDecodeResultVariants(t *testing.T) {
	ok := Decoded(Snapshot{Status: StatusFunded, Version: 2})
	snap, decoded := ok.Snapshot()
	require.True(t, decoded)
	assert.Equal(t, StatusFunded, snap.Status)
	assert.Nil(t, ok.Raw())

	raw := []byte{1, 2, 3}
	bad := Undecodable(raw)
	_, decoded = bad.Snapshot()
	assert.False(t, decoded)
	raw[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, bad.Raw())
}
