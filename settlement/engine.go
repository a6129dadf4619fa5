package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/chainapi"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/contractnotifier"
	"github.com/hashhedge/hedged/hedgeconf"
	"github.com/hashhedge/hedged/hedgescript"
	"github.com/hashhedge/hedged/hedgetx"
	"github.com/hashhedge/hedged/multimutex"
	"github.com/lightningnetwork/lnd/clock"
)

// Result is the structured verdict of one engine operation. Benign
// non-actions (SKIPPED, ALREADY_SETTLED) are results, not errors.
type Result string

const (
	// ResultMatched reports a successful house-side funding.
	ResultMatched Result = "matched"

	// ResultWaitingForUser reports that the user deposit has not
	// arrived yet, so there is nothing to match against.
	ResultWaitingForUser Result = "waiting_for_user"

	// ResultAlreadyMatched reports that the contract address already
	// holds both stakes.
	ResultAlreadyMatched Result = "already_matched"

	// ResultWaitingUserSig reports a won contract whose payout now
	// awaits the user's completing signature.
	ResultWaitingUserSig Result = "WAITING_USER_SIG"

	// ResultWaitingUserSigRefund reports a refund awaiting the user's
	// completing signature.
	ResultWaitingUserSigRefund Result = "WAITING_USER_SIG_REFUND"

	// ResultSettledLoss reports a lost contract settled and broadcast.
	ResultSettledLoss Result = "SETTLED_LOSS"

	// ResultSkipped reports a sweep no-op: the contract address holds
	// no funds.
	ResultSkipped Result = "SKIPPED"

	// ResultAlreadySettled reports an idempotent no-op on a contract
	// past the point of settlement.
	ResultAlreadySettled Result = "ALREADY_SETTLED"

	// ResultCancelled reports a deleted PENDING contract.
	ResultCancelled Result = "CANCELLED"

	// ResultError reports a construction, signing or broadcast
	// failure. No state was written.
	ResultError Result = "ERROR"
)

// Outcome is the engine's structured reply for a single contract
// operation.
type Outcome struct {
	Result  Result `json:"result"`
	TxID    string `json:"txid,omitempty"`
	TxHex   string `json:"tx_hex,omitempty"`
	Message string `json:"message,omitempty"`
}

// ContractOutcome pairs an outcome with the contract it belongs to,
// used by sweep style operations.
type ContractOutcome struct {
	ContractID int64   `json:"id"`
	Outcome    Outcome `json:"result"`
}

// Config bundles the engine's collaborators. Everything the engine
// signs or derives flows from the explicit key ring; no ambient key
// material is consulted.
type Config struct {
	// Store is the contract system of record.
	Store Store

	// Chain is the untrusted block data provider.
	Chain ChainAPI

	// Events receives best effort lifecycle notifications.
	Events EventPublisher

	// Keys holds the static house/oracle key material and the NUMS
	// internal key.
	Keys *hedgeconf.KeyRing

	// Params selects the network addresses are encoded for.
	Params *chaincfg.Params

	// FeeRate is the sat/vbyte rate applied to every constructed
	// transaction.
	FeeRate float64

	// Clock provides the current time, injectable for tests.
	Clock clock.Clock
}

// Engine is the settlement state machine. It is the only writer of
// contract status: match, settle, refund and cancel all funnel through
// it, serialized per contract id so that at most one mutation races a
// given contract's UTXO set at a time.
type Engine struct {
	cfg *Config

	// contractMtx serializes mutations per contract id; distinct ids
	// proceed independently.
	contractMtx *multimutex.IDMutex
}

// NewEngine creates a settlement engine from the given config.
func NewEngine(cfg *Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Engine{
		cfg:         cfg,
		contractMtx: multimutex.NewIDMutex(),
	}
}

// CreateContract derives a fresh deposit address for the user and
// persists the new PENDING contract. Only the public nonce is stored;
// the spending policy is re-derived from it on demand.
func (e *Engine) CreateContract(ctx context.Context, userPubKey string,
	amount int64,
	direction contractdb.Direction) (*contractdb.Contract, error) {

	if amount <= 0 {
		return nil, fmt.Errorf("invalid stake amount %d", amount)
	}
	switch direction {
	case contractdb.DirectionLong, contractdb.DirectionShort:
	default:
		return nil, fmt.Errorf("invalid direction %q", direction)
	}

	nonce := make([]byte, hedgescript.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	addr, err := hedgescript.DepositAddress(
		userPubKey, nonce, e.cfg.Keys, e.cfg.Params,
	)
	if err != nil {
		return nil, err
	}

	// The current height is informational only; a provider hiccup
	// must not fail contract creation.
	var blockHeight int64
	if blocks, err := e.cfg.Chain.RecentBlocks(ctx); err != nil {
		log.Warnf("Unable to fetch block height for new "+
			"contract: %v", err)
	} else if len(blocks) > 0 {
		blockHeight = blocks[0].Height
	}

	contract := &contractdb.Contract{
		UserPubKey:     userPubKey,
		DepositAddress: addr,
		Nonce:          hex.EncodeToString(nonce),
		Amount:         amount,
		Direction:      direction,
		Status:         contractdb.StatusPending,
		BlockHeight:    blockHeight,
	}

	id, err := e.cfg.Store.CreateContract(ctx, contract)
	if err != nil {
		return nil, err
	}
	contract.ID = id

	log.Infof("Created contract %d: %v sats %v at %v",
		id, amount, direction, addr)

	return contract, nil
}

// Match funds the house side of a contract once the user deposit has
// arrived: a standard P2WPKH send of the stake from the house wallet to
// the contract address. Only lookup failures surface as errors;
// construction and broadcast failures come back as structured outcomes
// with no state written.
func (e *Engine) Match(ctx context.Context, id int64) (*Outcome, error) {
	e.contractMtx.Lock(id)
	defer e.contractMtx.Unlock(id)

	contract, err := e.cfg.Store.Contract(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.Status != contractdb.StatusPending {
		return &Outcome{
			Result: ResultAlreadySettled,
			Message: fmt.Sprintf("contract is %v",
				contract.Status),
		}, nil
	}

	utxos, err := e.cfg.Chain.UTXOs(ctx, contract.DepositAddress)
	if err != nil {
		return errorOutcome(err), nil
	}
	var balance int64
	for _, utxo := range utxos {
		balance += utxo.Value
	}

	if balance < contract.Amount {
		return &Outcome{
			Result:  ResultWaitingForUser,
			Message: "user deposit not detected yet",
		}, nil
	}
	if balance >= 2*contract.Amount {
		return &Outcome{
			Result:  ResultAlreadyMatched,
			Message: "contract is already fully funded",
		}, nil
	}

	tree, err := e.contractTree(contract)
	if err != nil {
		return errorOutcome(err), nil
	}
	depositPkScript, err := tree.PkScript()
	if err != nil {
		return errorOutcome(err), nil
	}

	houseAddr, err := hedgetx.HouseAddress(
		e.cfg.Keys.HousePub(), e.cfg.Params,
	)
	if err != nil {
		return errorOutcome(err), nil
	}
	houseUTXOs, err := e.cfg.Chain.UTXOs(ctx, houseAddr.EncodeAddress())
	if err != nil {
		return errorOutcome(err), nil
	}
	if len(houseUTXOs) == 0 {
		return errorOutcome(fmt.Errorf("house wallet: %w",
			hedgetx.ErrInsufficientFunds)), nil
	}

	tx, err := hedgetx.BuildHouseSend(
		houseUTXOs, e.cfg.Keys.HousePriv, depositPkScript,
		contract.Amount, e.cfg.FeeRate, e.cfg.Params,
	)
	if err != nil {
		return errorOutcome(err), nil
	}
	txHex, err := hedgetx.EncodeTx(tx)
	if err != nil {
		return errorOutcome(err), nil
	}

	txid, err := e.cfg.Chain.Broadcast(ctx, txHex)
	if err != nil {
		return errorOutcome(err), nil
	}

	log.Infof("Contract %d matched with %d sats, txid %v",
		id, contract.Amount, txid)

	e.cfg.Events.Notify(contractnotifier.Event{
		Type:       contractnotifier.EventMatched,
		ContractID: id,
		TxID:       txid,
		Message: fmt.Sprintf("House matched %d sats",
			contract.Amount),
	})

	return &Outcome{
		Result: ResultMatched,
		TxID:   txid,
		Message: fmt.Sprintf("House matched %d sats at 1:1 odds",
			contract.Amount),
	}, nil
}

// Settle drives one contract through the settlement decision at the
// given difficulty sample. Only lookup failures surface as errors;
// construction, signing and broadcast failures come back as structured
// outcomes with no state written.
func (e *Engine) Settle(ctx context.Context, id int64,
	difficulty float64) (*Outcome, error) {

	e.contractMtx.Lock(id)
	defer e.contractMtx.Unlock(id)

	contract, err := e.cfg.Store.Contract(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.settleLocked(ctx, contract, difficulty), nil
}

// SettleAll sweeps every settleable contract with the given difficulty.
// The sweep is best effort and at-least-once: per-contract failures are
// recorded in the summary and never abort the remainder.
func (e *Engine) SettleAll(ctx context.Context,
	difficulty float64) ([]ContractOutcome, error) {

	contracts, err := e.cfg.Store.SettleableContracts(ctx)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, nil
	}

	log.Infof("Sweeping %d contract(s) at difficulty %.4f",
		len(contracts), difficulty)

	summary := make([]ContractOutcome, 0, len(contracts))
	for _, contract := range contracts {
		outcome, err := e.Settle(ctx, contract.ID, difficulty)
		if err != nil {
			outcome = &Outcome{
				Result:  ResultError,
				Message: err.Error(),
			}
		}
		summary = append(summary, ContractOutcome{
			ContractID: contract.ID,
			Outcome:    *outcome,
		})
	}

	return summary, nil
}

// settleLocked holds the per-id lock and applies the settlement state
// machine to a freshly loaded contract.
func (e *Engine) settleLocked(ctx context.Context,
	contract *contractdb.Contract, difficulty float64) *Outcome {

	// Decision locking: once the oracle has committed to a win, a
	// later, contradictory difficulty sample must never overturn the
	// verdict. Return the persisted transaction unchanged, rebuilding
	// it deterministically only if the stored hex went missing.
	if contract.Status == contractdb.StatusWaitingUserSig {
		txHex := contract.TxHex
		if txHex == "" {
			var err error
			txHex, err = e.buildWinTx(ctx, contract)
			if err != nil {
				return errorOutcome(err)
			}
			err = e.cfg.Store.UpdateStatus(
				ctx, contract.ID,
				contractdb.StatusWaitingUserSig, txHex,
			)
			if err != nil {
				return errorOutcome(err)
			}
		}

		return &Outcome{
			Result: ResultWaitingUserSig,
			TxHex:  txHex,
			Message: "oracle verdict locked, awaiting user " +
				"signature",
		}
	}

	if contract.Status != contractdb.StatusPending {
		return &Outcome{
			Result: ResultAlreadySettled,
			Message: fmt.Sprintf("contract is %v",
				contract.Status),
		}
	}

	if isWin(contract.Direction, difficulty) {
		return e.settleWin(ctx, contract)
	}
	return e.settleLoss(ctx, contract)
}

// settleWin builds the oracle-signed partial payout to the user and
// persists it for the user to complete. Nothing is broadcast here.
func (e *Engine) settleWin(ctx context.Context,
	contract *contractdb.Contract) *Outcome {

	txHex, err := e.buildWinTx(ctx, contract)
	if err != nil {
		return errorOutcome(err)
	}

	err = e.cfg.Store.UpdateStatus(
		ctx, contract.ID, contractdb.StatusWaitingUserSig, txHex,
	)
	if err != nil {
		return errorOutcome(err)
	}

	log.Infof("Contract %d won, awaiting user signature", contract.ID)

	e.cfg.Events.Notify(contractnotifier.Event{
		Type:       contractnotifier.EventActionRequired,
		ContractID: contract.ID,
		Status:     string(contractdb.StatusWaitingUserSig),
		TxHex:      txHex,
		Message:    "oracle signed, waiting for user signature",
	})

	return &Outcome{
		Result:  ResultWaitingUserSig,
		TxHex:   txHex,
		Message: "oracle signed, waiting for user signature",
	}
}

// settleLoss builds the fully signed house+oracle spend, broadcasts it,
// and only then records the terminal SETTLED_LOSS state. A rejected
// broadcast leaves the contract untouched for the next sweep.
func (e *Engine) settleLoss(ctx context.Context,
	contract *contractdb.Contract) *Outcome {

	utxos, noFunds, err := e.depositUTXOs(ctx, contract)
	if err != nil {
		return errorOutcome(err)
	}
	if noFunds != nil {
		return noFunds
	}

	tree, err := e.contractTree(contract)
	if err != nil {
		return errorOutcome(err)
	}
	housePkScript, err := hedgetx.P2WPKHScript(
		e.cfg.Keys.HousePub(), e.cfg.Params,
	)
	if err != nil {
		return errorOutcome(err)
	}

	tx, err := hedgetx.BuildSweep(
		utxos, housePkScript, hedgetx.ScriptPathInputVSize,
		e.cfg.FeeRate,
	)
	if err != nil {
		return errorOutcome(err)
	}

	err = hedgetx.SignBranch(
		tx, tree, hedgescript.BranchLoss, utxoValues(utxos),
		e.cfg.Keys.HousePriv, e.cfg.Keys.OraclePriv,
	)
	if err != nil {
		return errorOutcome(err)
	}

	txHex, err := hedgetx.EncodeTx(tx)
	if err != nil {
		return errorOutcome(err)
	}

	txid, err := e.cfg.Chain.Broadcast(ctx, txHex)
	if err != nil {
		return errorOutcome(err)
	}

	err = e.cfg.Store.UpdateStatus(
		ctx, contract.ID, contractdb.StatusSettledLoss, txHex,
	)
	if err != nil {
		return errorOutcome(err)
	}

	log.Infof("Contract %d settled as loss, txid %v", contract.ID, txid)

	e.cfg.Events.Notify(contractnotifier.Event{
		Type:       contractnotifier.EventSettled,
		ContractID: contract.ID,
		Status:     string(contractdb.StatusSettledLoss),
		TxID:       txid,
	})

	return &Outcome{
		Result:  ResultSettledLoss,
		TxID:    txid,
		TxHex:   txHex,
		Message: "oracle and house signed, funds sent to house",
	}
}

// buildWinTx constructs the win-branch payout: every contract UTXO
// swept to the user's P2WPKH, oracle signature present, user slot
// empty.
func (e *Engine) buildWinTx(ctx context.Context,
	contract *contractdb.Contract) (string, error) {

	utxos, noFunds, err := e.depositUTXOs(ctx, contract)
	if err != nil {
		return "", err
	}
	if noFunds != nil {
		return "", ErrNoFunds
	}

	tree, err := e.contractTree(contract)
	if err != nil {
		return "", err
	}
	userPkScript, err := hedgetx.P2WPKHScriptFromHex(
		contract.UserPubKey, e.cfg.Params,
	)
	if err != nil {
		return "", err
	}

	tx, err := hedgetx.BuildSweep(
		utxos, userPkScript, hedgetx.ScriptPathInputVSize,
		e.cfg.FeeRate,
	)
	if err != nil {
		return "", err
	}

	err = hedgetx.SignBranch(
		tx, tree, hedgescript.BranchWin, utxoValues(utxos),
		e.cfg.Keys.OraclePriv,
	)
	if err != nil {
		return "", err
	}

	return hedgetx.EncodeTx(tx)
}

// Refund builds the mutual-exit spend of a PENDING contract: a 50/50
// split between user and house when both stakes are present, the full
// balance back to the user otherwise. The house signs its slot now; the
// contract then waits on the user's completing signature.
func (e *Engine) Refund(ctx context.Context, id int64) (*Outcome, error) {
	e.contractMtx.Lock(id)
	defer e.contractMtx.Unlock(id)

	contract, err := e.cfg.Store.Contract(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.Status != contractdb.StatusPending {
		return &Outcome{
			Result: ResultAlreadySettled,
			Message: fmt.Sprintf("contract is %v",
				contract.Status),
		}, nil
	}

	utxos, noFunds, err := e.depositUTXOs(ctx, contract)
	if err != nil {
		return errorOutcome(err), nil
	}
	if noFunds != nil {
		return noFunds, nil
	}

	tree, err := e.contractTree(contract)
	if err != nil {
		return errorOutcome(err), nil
	}
	userPkScript, err := hedgetx.P2WPKHScriptFromHex(
		contract.UserPubKey, e.cfg.Params,
	)
	if err != nil {
		return errorOutcome(err), nil
	}
	housePkScript, err := hedgetx.P2WPKHScript(
		e.cfg.Keys.HousePub(), e.cfg.Params,
	)
	if err != nil {
		return errorOutcome(err), nil
	}

	var (
		tx      *wire.MsgTx
		message string
	)
	balance := sumUTXOs(utxos)
	if balance >= 2*contract.Amount {
		split, err := hedgetx.BuildSplit(
			utxos, userPkScript, housePkScript,
			hedgetx.ScriptPathInputVSize, e.cfg.FeeRate,
		)
		if err != nil {
			return errorOutcome(err), nil
		}
		tx = split
		message = "refunded 50/50 to user and house, awaiting " +
			"user signature"
	} else {
		sweep, err := hedgetx.BuildSweep(
			utxos, userPkScript, hedgetx.ScriptPathInputVSize,
			e.cfg.FeeRate,
		)
		if err != nil {
			return errorOutcome(err), nil
		}
		tx = sweep
		message = "refunded in full to user, awaiting user signature"
	}

	err = hedgetx.SignBranch(
		tx, tree, hedgescript.BranchRefund, utxoValues(utxos),
		e.cfg.Keys.HousePriv,
	)
	if err != nil {
		return errorOutcome(err), nil
	}

	txHex, err := hedgetx.EncodeTx(tx)
	if err != nil {
		return errorOutcome(err), nil
	}

	err = e.cfg.Store.UpdateStatus(
		ctx, id, contractdb.StatusWaitingUserSigRefund, txHex,
	)
	if err != nil {
		return errorOutcome(err), nil
	}

	log.Infof("Contract %d refund built, awaiting user signature", id)

	return &Outcome{
		Result:  ResultWaitingUserSigRefund,
		TxHex:   txHex,
		Message: message,
	}, nil
}

// Cancel deletes a PENDING, unfunded contract outright. Nothing about
// it was ever broadcast, so removal is safe; a funded contract must go
// through refund instead.
func (e *Engine) Cancel(ctx context.Context, id int64) (*Outcome, error) {
	e.contractMtx.Lock(id)
	defer e.contractMtx.Unlock(id)

	contract, err := e.cfg.Store.Contract(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.Status != contractdb.StatusPending {
		return &Outcome{
			Result: ResultAlreadySettled,
			Message: fmt.Sprintf("contract is %v",
				contract.Status),
		}, nil
	}

	utxos, err := e.cfg.Chain.UTXOs(ctx, contract.DepositAddress)
	if err != nil {
		return nil, err
	}
	if sumUTXOs(utxos) > 0 {
		return &Outcome{
			Result:  ResultError,
			Message: "contract is funded, refund it instead",
		}, nil
	}

	if err := e.cfg.Store.DeleteContract(ctx, id); err != nil {
		return nil, err
	}

	log.Infof("Contract %d cancelled", id)

	return &Outcome{Result: ResultCancelled}, nil
}

// contractTree rebuilds the contract MAST from its durable minimal
// state: the persisted user key and nonce plus the static key ring.
func (e *Engine) contractTree(
	contract *contractdb.Contract) (*hedgescript.ContractTree, error) {

	userKey, err := hedgescript.XOnlyFromHex(contract.UserPubKey)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(contract.Nonce)
	if err != nil {
		return nil, fmt.Errorf("contract %d nonce: %w",
			contract.ID, err)
	}

	return hedgescript.NewContractTree(userKey, nonce, e.cfg.Keys)
}

// depositUTXOs re-fetches the contract's UTXO set. UTXOs are never
// cached across calls: a spend must always be built against the
// provider's current view. The middle return value is a ready SKIPPED
// outcome when the address holds nothing.
func (e *Engine) depositUTXOs(ctx context.Context,
	contract *contractdb.Contract) ([]chainapi.UTXO, *Outcome, error) {

	utxos, err := e.cfg.Chain.UTXOs(ctx, contract.DepositAddress)
	if err != nil {
		return nil, nil, err
	}
	if len(utxos) == 0 {
		log.Debugf("Skipping contract %d: no funds at %v",
			contract.ID, contract.DepositAddress)
		return nil, &Outcome{
			Result:  ResultSkipped,
			Message: "no funds at contract address",
		}, nil
	}

	return utxos, nil, nil
}

func errorOutcome(err error) *Outcome {
	if errors.Is(err, ErrNoFunds) {
		return &Outcome{
			Result:  ResultSkipped,
			Message: "no funds at contract address",
		}
	}
	return &Outcome{
		Result:  ResultError,
		Message: err.Error(),
	}
}

func sumUTXOs(utxos []chainapi.UTXO) int64 {
	var total int64
	for _, utxo := range utxos {
		total += utxo.Value
	}
	return total
}

func utxoValues(utxos []chainapi.UTXO) []int64 {
	values := make([]int64, len(utxos))
	for i, utxo := range utxos {
		values[i] = utxo.Value
	}
	return values
}

// ErrNoFunds marks the benign "nothing to spend" condition during
// sweeps; it maps to a SKIPPED outcome rather than an error reply.
var ErrNoFunds = errors.New("no funds at contract address")
