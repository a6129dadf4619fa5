package settlement

import (
	"errors"
	"math"
	"strconv"

	"github.com/hashhedge/hedged/contractdb"
)

const (
	// DifficultyThreshold is the fixed protocol constant the derived
	// signal is judged against. LONG wins strictly above it, SHORT
	// wins at or below it; the asymmetry at exactly 0.05 is part of
	// the protocol and must not be symmetrized.
	DifficultyThreshold = 0.05

	// difficultyBase and difficultySpan map the 16-bit seed onto the
	// [0.01, 0.09] signal range.
	difficultyBase = 0.01
	difficultySpan = 0.08
)

// ErrMalformedTipHash is returned when a tip hash is too short to derive
// a difficulty sample from.
var ErrMalformedTipHash = errors.New("malformed tip hash")

// DeriveDifficulty maps a chain tip block hash onto the difficulty
// signal. The last 4 hex characters are an unsigned 16-bit seed:
//
//	difficulty = round(0.01 + (seed/65535) * 0.08, 4)
//
// The derivation is bit-exact and deterministic so that every process
// sampling the same tip reaches the same verdict.
func DeriveDifficulty(tipHash string) (float64, error) {
	if len(tipHash) < 4 {
		return 0, ErrMalformedTipHash
	}

	seed, err := strconv.ParseUint(tipHash[len(tipHash)-4:], 16, 16)
	if err != nil {
		return 0, ErrMalformedTipHash
	}

	difficulty := difficultyBase +
		float64(seed)/65535.0*difficultySpan

	return math.Round(difficulty*1e4) / 1e4, nil
}

// isWin reports whether the given bet direction pays out at the sampled
// difficulty.
func isWin(direction contractdb.Direction, difficulty float64) bool {
	switch direction {
	case contractdb.DirectionLong:
		return difficulty > DifficultyThreshold
	case contractdb.DirectionShort:
		return difficulty <= DifficultyThreshold
	default:
		return false
	}
}
