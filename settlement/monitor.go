package settlement

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/ticker"
)

// MonitorConfig bundles the block monitor's collaborators.
type MonitorConfig struct {
	// Engine runs the settlement sweep on each new block.
	Engine *Engine

	// Chain is polled for the current tip hash.
	Chain ChainAPI

	// Ticker paces the polling. A mock ticker drives deterministic
	// tests.
	Ticker ticker.Ticker
}

// Monitor polls the chain tip and, whenever the tip hash changes,
// derives the difficulty sample and sweeps all settleable contracts.
// Polling is best effort: provider failures and per-contract settlement
// failures are logged and retried on the next tick, never escalated.
type Monitor struct {
	started int32
	stopped int32

	cfg MonitorConfig

	// lastTip is the tip hash seen on the previous tick. Ticks that
	// observe the same hash are no-ops.
	lastTip string

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewMonitor creates a block monitor from the given config.
func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}

	log.Info("Block monitor starting")

	m.cfg.Ticker.Resume()

	m.wg.Add(1)
	go m.pollLoop()

	return nil
}

// Stop halts polling and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return nil
	}

	log.Info("Block monitor shutting down")

	m.cfg.Ticker.Stop()
	close(m.quit)
	m.wg.Wait()

	return nil
}

// pollLoop is the monitor's main goroutine.
func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			m.pollOnce()

		case <-m.quit:
			return
		}
	}
}

// pollOnce samples the tip and sweeps on change.
func (m *Monitor) pollOnce() {
	ctx := context.Background()

	tipHash, err := m.cfg.Chain.TipHash(ctx)
	if err != nil {
		log.Warnf("Unable to fetch tip hash: %v", err)
		return
	}

	// The first successful sample only records the tip. Settlement
	// triggers on a change from a previously seen hash, never on
	// startup.
	if m.lastTip == "" {
		log.Infof("Watching for blocks after %v", tipHash)
		m.lastTip = tipHash
		return
	}
	if tipHash == m.lastTip {
		return
	}

	difficulty, err := DeriveDifficulty(tipHash)
	if err != nil {
		log.Errorf("Tip hash %v: %v", tipHash, err)
		return
	}

	log.Infof("New block %v, difficulty %.4f", tipHash, difficulty)

	summary, err := m.cfg.Engine.SettleAll(ctx, difficulty)
	if err != nil {
		// Leave lastTip unchanged so the sweep is retried on the
		// next tick against the same block.
		log.Errorf("Settlement sweep failed: %v", err)
		return
	}

	m.lastTip = tipHash

	for _, entry := range summary {
		if entry.Outcome.Result == ResultError {
			log.Warnf("Contract %d settlement failed: %v",
				entry.ContractID, entry.Outcome.Message)
		}
	}
}
