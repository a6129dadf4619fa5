package contractdb

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a contract. Transitions are monotonic
// along PENDING -> {WAITING_USER_SIG, WAITING_USER_SIG_REFUND,
// SETTLED_LOSS}; the only backward step is deleting an unfunded PENDING
// contract outright.
type Status string

const (
	// StatusPending is a freshly created contract awaiting deposits
	// and a settlement verdict.
	StatusPending Status = "PENDING"

	// StatusWaitingUserSig is a won contract whose payout transaction
	// carries the oracle signature and awaits the user's.
	StatusWaitingUserSig Status = "WAITING_USER_SIG"

	// StatusWaitingUserSigRefund is a refunded contract whose exit
	// transaction carries the house signature and awaits the user's.
	StatusWaitingUserSigRefund Status = "WAITING_USER_SIG_REFUND"

	// StatusSettledLoss is terminal: the loss transaction was fully
	// signed and broadcast.
	StatusSettledLoss Status = "SETTLED_LOSS"
)

// Direction is the side of the difficulty bet the user takes.
type Direction string

const (
	// DirectionLong wins when the derived difficulty signal crosses
	// strictly above the threshold.
	DirectionLong Direction = "LONG"

	// DirectionShort wins at or below the threshold.
	DirectionShort Direction = "SHORT"
)

// ErrContractNotFound is returned when a contract id has no row.
var ErrContractNotFound = errors.New("contract not found")

// Contract is one difficulty hedge between a user and the house. The
// deposit address is a pure function of (user key, nonce) plus the
// static house/oracle keys; only the public nonce is persisted, never a
// per-contract secret.
type Contract struct {
	ID             int64
	UserPubKey     string
	DepositAddress string

	// Nonce is the hex encoded 4-byte salt mixed into every leaf
	// script.
	Nonce string

	// Amount is the user's stake in satoshis. The house matches 1:1.
	Amount int64

	Direction Direction
	Status    Status

	// TxHex is the last constructed settlement transaction, if any.
	TxHex string

	CreatedAt time.Time

	// BlockHeight is the chain height observed at creation time,
	// informational only.
	BlockHeight int64
}
