package settlement

import (
	"strings"
	"testing"
	"time"

	"github.com/hashhedge/hedged/contractdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// startMonitor spins up a monitor around the harness driven by a forced
// ticker, registering cleanup for the caller.
func startMonitor(t *testing.T, h *engineHarness) *ticker.Force {
	t.Helper()

	forceTick := ticker.NewForce(time.Hour)
	monitor := NewMonitor(MonitorConfig{
		Engine: h.engine,
		Chain:  h.chain,
		Ticker: forceTick,
	})
	require.NoError(t, monitor.Start())
	t.Cleanup(func() { monitor.Stop() })

	return forceTick
}

// TestMonitorSettlesOnNewBlock asserts a tip hash change triggers one
// settlement sweep and that repeat ticks on the same tip are no-ops.
func TestMonitorSettlesOnNewBlock(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	contract := h.createContract(contractdb.DirectionShort)
	h.chain.fund(contract.DepositAddress, testStake, testStake)

	h.chain.tipHash = strings.Repeat("0", 60) + "0001"
	forceTick := startMonitor(t, h)

	// The first tick records the tip without settling anything.
	forceTick.Force <- time.Now()
	require.Never(t, func() bool {
		return h.status(contract.ID) != contractdb.StatusPending
	}, 200*time.Millisecond, 20*time.Millisecond)

	// Tip seed ffff derives 0.09: a loss for SHORT.
	h.chain.setTipHash(strings.Repeat("0", 60) + "ffff")
	forceTick.Force <- time.Now()
	require.Eventually(t, func() bool {
		return h.status(contract.ID) == contractdb.StatusSettledLoss
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.chain.broadcastCount())

	// Same tip again: no further work.
	forceTick.Force <- time.Now()
	require.Never(t, func() bool {
		return h.chain.broadcastCount() > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}

// TestMonitorSkipsMalformedTip asserts a garbage tip hash after a valid
// one is logged and skipped without settling anything.
func TestMonitorSkipsMalformedTip(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	contract := h.createContract(contractdb.DirectionShort)
	h.chain.fund(contract.DepositAddress, testStake, testStake)

	h.chain.tipHash = strings.Repeat("0", 60) + "ffff"
	forceTick := startMonitor(t, h)

	// Prime the monitor with the valid tip, then feed it garbage.
	forceTick.Force <- time.Now()
	h.chain.setTipHash("zzz")
	forceTick.Force <- time.Now()
	require.Never(t, func() bool {
		return h.status(contract.ID) != contractdb.StatusPending
	}, 200*time.Millisecond, 20*time.Millisecond)
}
