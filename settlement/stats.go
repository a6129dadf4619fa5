package settlement

import (
	"context"

	"github.com/hashhedge/hedged/hedgetx"
)

// defaultDifficulty is reported when no tip hash can be fetched, keeping
// the stats endpoint usable while the provider is down.
const defaultDifficulty = 0.047

// Stats is a snapshot of the oracle's public operating state.
type Stats struct {
	// HouseAddress is the house wallet's deposit address.
	HouseAddress string `json:"house_address"`

	// Difficulty is the signal derived from the current tip.
	Difficulty float64 `json:"difficulty"`

	// Threshold is the fixed win/loss boundary.
	Threshold float64 `json:"threshold"`

	// BlockHeight is the current chain height, zero when unknown.
	BlockHeight int64 `json:"block_height"`

	// SecondsSinceBlock is the age of the latest block, negative one
	// when unknown.
	SecondsSinceBlock int64 `json:"seconds_since_block"`
}

// Stats assembles the public stats snapshot. Every chain read degrades
// to a placeholder on failure; this method never errors.
func (e *Engine) Stats(ctx context.Context) *Stats {
	stats := &Stats{
		Difficulty:        defaultDifficulty,
		Threshold:         DifficultyThreshold,
		SecondsSinceBlock: -1,
	}

	houseAddr, err := hedgetx.HouseAddress(
		e.cfg.Keys.HousePub(), e.cfg.Params,
	)
	if err == nil {
		stats.HouseAddress = houseAddr.EncodeAddress()
	}

	if tipHash, err := e.cfg.Chain.TipHash(ctx); err != nil {
		log.Warnf("Stats: unable to fetch tip hash: %v", err)
	} else if difficulty, err := DeriveDifficulty(tipHash); err != nil {
		log.Warnf("Stats: tip hash %v: %v", tipHash, err)
	} else {
		stats.Difficulty = difficulty
	}

	blocks, err := e.cfg.Chain.RecentBlocks(ctx)
	if err != nil {
		log.Warnf("Stats: unable to fetch recent blocks: %v", err)
	} else if len(blocks) > 0 {
		stats.BlockHeight = blocks[0].Height
		now := e.cfg.Clock.Now().Unix()
		if age := now - blocks[0].Timestamp; age >= 0 {
			stats.SecondsSinceBlock = age
		}
	}

	return stats
}

// LastBlockTime returns the timestamp of the latest block, zero when the
// provider has no data.
func (e *Engine) LastBlockTime(ctx context.Context) (int64, error) {
	blocks, err := e.cfg.Chain.RecentBlocks(ctx)
	if err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, nil
	}
	return blocks[0].Timestamp, nil
}
