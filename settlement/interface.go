package settlement

import (
	"context"

	"github.com/hashhedge/hedged/chainapi"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/contractnotifier"
)

// Store is the contract system of record. Cross-process coordination
// happens solely through the persisted contract status: the engine
// re-reads before every mutation and never trusts an in-memory copy.
type Store interface {
	// CreateContract inserts a new PENDING contract, returning its id.
	CreateContract(ctx context.Context,
		c *contractdb.Contract) (int64, error)

	// Contract fetches a contract by id, returning
	// contractdb.ErrContractNotFound when the row does not exist.
	Contract(ctx context.Context, id int64) (*contractdb.Contract, error)

	// ContractsByUser lists a user's contracts, newest first.
	ContractsByUser(ctx context.Context,
		userPubKey string) ([]*contractdb.Contract, error)

	// SettleableContracts lists PENDING and WAITING_USER_SIG
	// contracts for the settlement sweep.
	SettleableContracts(ctx context.Context) ([]*contractdb.Contract,
		error)

	// PendingContracts lists PENDING contracts.
	PendingContracts(ctx context.Context) ([]*contractdb.Contract, error)

	// UpdateStatus advances a contract's status, storing txHex
	// alongside when non-empty.
	UpdateStatus(ctx context.Context, id int64,
		status contractdb.Status, txHex string) error

	// DeleteContract removes a contract row.
	DeleteContract(ctx context.Context, id int64) error
}

// ChainAPI is the external block data provider. All of it is network
// I/O against an untrusted, unreliable service: a failure here must
// leave previously persisted contract state untouched.
type ChainAPI interface {
	// UTXOs lists the unspent outputs on an address.
	UTXOs(ctx context.Context, addr string) ([]chainapi.UTXO, error)

	// Broadcast submits a raw transaction, returning the txid.
	Broadcast(ctx context.Context, txHex string) (string, error)

	// TipHash returns the current chain tip block hash.
	TipHash(ctx context.Context) (string, error)

	// RecentBlocks returns the most recent blocks, newest first.
	RecentBlocks(ctx context.Context) ([]chainapi.BlockInfo, error)
}

// EventPublisher publishes contract lifecycle events to observers.
// Publishing is best effort and must never block or fail the operation
// that triggered it.
type EventPublisher interface {
	Notify(event contractnotifier.Event)
}
