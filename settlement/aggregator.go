package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/hedgescript"
	"github.com/hashhedge/hedged/hedgetx"
)

var (
	// ErrNoWaitingContracts is returned when a user asks to batch
	// claim but has no won contracts awaiting their signature.
	ErrNoWaitingContracts = errors.New("no contracts awaiting user " +
		"signature")

	// ErrNoFundsFound is returned when every waiting contract's
	// address turned out to be empty at claim time.
	ErrNoFundsFound = errors.New("no spendable funds on waiting " +
		"contracts")
)

// BatchClaim aggregates every won contract awaiting the given user's
// signature into one consolidated claim transaction: one input per
// contract UTXO, each signed on its own win leaf with the oracle key,
// and a single output paying the user the combined total minus one fee.
// The user co-signs each input's remaining slot and broadcasts.
//
// Contracts whose addresses hold nothing by claim time are silently
// left out; they remain claimable individually later.
func (e *Engine) BatchClaim(ctx context.Context,
	userPubKey string) (*Outcome, []int64, error) {

	contracts, err := e.cfg.Store.ContractsByUser(ctx, userPubKey)
	if err != nil {
		return nil, nil, err
	}

	var waiting []*contractdb.Contract
	for _, contract := range contracts {
		if contract.Status == contractdb.StatusWaitingUserSig {
			waiting = append(waiting, contract)
		}
	}
	if len(waiting) == 0 {
		return nil, nil, ErrNoWaitingContracts
	}

	// One entry per funded input: the tree and value needed to sign
	// it. UTXOs are re-fetched now; persisted partial transactions
	// may reference prevouts that have since been spent.
	type claimInput struct {
		tree     *hedgescript.ContractTree
		pkScript []byte
		value    int64
	}

	var (
		tx       = wire.NewMsgTx(2)
		inputs   []claimInput
		totalIn  int64
		claimIDs []int64
	)
	for _, contract := range waiting {
		utxos, err := e.cfg.Chain.UTXOs(ctx, contract.DepositAddress)
		if err != nil {
			return nil, nil, err
		}
		if len(utxos) == 0 {
			log.Debugf("Batch claim: contract %d has no funds, "+
				"skipping", contract.ID)
			continue
		}

		tree, err := e.contractTree(contract)
		if err != nil {
			return nil, nil, err
		}
		pkScript, err := tree.PkScript()
		if err != nil {
			return nil, nil, err
		}

		for _, utxo := range utxos {
			hash, err := chainhash.NewHashFromStr(utxo.TxID)
			if err != nil {
				return nil, nil, fmt.Errorf("utxo %v:%d: %w",
					utxo.TxID, utxo.Vout, err)
			}
			tx.AddTxIn(wire.NewTxIn(
				wire.NewOutPoint(hash, utxo.Vout), nil, nil,
			))
			inputs = append(inputs, claimInput{
				tree:     tree,
				pkScript: pkScript,
				value:    utxo.Value,
			})
			totalIn += utxo.Value
		}
		claimIDs = append(claimIDs, contract.ID)
	}
	if len(inputs) == 0 {
		return nil, nil, ErrNoFundsFound
	}

	vsize := hedgetx.EstimateVSize(
		len(inputs), hedgetx.ScriptPathInputVSize, 1,
	)
	fee := hedgetx.FeeForVSize(vsize, e.cfg.FeeRate)
	sendAmount := totalIn - fee
	if sendAmount <= 0 {
		return nil, nil, hedgetx.ErrInsufficientFunds
	}

	userPkScript, err := hedgetx.P2WPKHScriptFromHex(
		userPubKey, e.cfg.Params,
	)
	if err != nil {
		return nil, nil, err
	}
	tx.AddTxOut(wire.NewTxOut(sendAmount, userPkScript))

	// One shared sighash midstate across heterogeneous prevouts; each
	// input still signs against its own contract's leaf.
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevOuts := make([]*wire.TxOut, len(inputs))
	for i, in := range inputs {
		prevOuts[i] = wire.NewTxOut(in.value, in.pkScript)
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range inputs {
		witness, err := hedgetx.SignTapLeafInput(
			tx, sigHashes, i, &hedgetx.BranchSignDesc{
				Tree:    in.tree,
				Branch:  hedgescript.BranchWin,
				PrevOut: prevOuts[i],
			}, e.cfg.Keys.OraclePriv,
		)
		if err != nil {
			return nil, nil, err
		}
		tx.TxIn[i].Witness = witness
	}

	txHex, err := hedgetx.EncodeTx(tx)
	if err != nil {
		return nil, nil, err
	}

	log.Infof("Batch claim for user %v: %d contract(s), %d input(s), "+
		"%d sats out", userPubKey, len(claimIDs), len(inputs),
		sendAmount)

	return &Outcome{
		Result: ResultWaitingUserSig,
		TxHex:  txHex,
		Message: fmt.Sprintf("claims %d contract(s) in one "+
			"transaction, awaiting user signatures", len(claimIDs)),
	}, claimIDs, nil
}
