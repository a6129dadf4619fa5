package settlement

import (
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/hedgescript"
	"github.com/hashhedge/hedged/hedgetx"
	"github.com/stretchr/testify/require"
)

// TestBatchClaim asserts several won contracts collapse into a single
// transaction with one input per contract UTXO and one consolidated
// user output.
func TestBatchClaim(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	for i := 0; i < 3; i++ {
		contract := h.createContract(contractdb.DirectionLong)
		h.chain.fund(contract.DepositAddress, testStake, testStake)

		outcome, err := h.engine.Settle(
			context.Background(), contract.ID, 0.06,
		)
		require.NoError(t, err)
		require.Equal(t, ResultWaitingUserSig, outcome.Result)
	}

	outcome, ids, err := h.engine.BatchClaim(
		context.Background(), h.userPubKey,
	)
	require.NoError(t, err)
	require.Equal(t, ResultWaitingUserSig, outcome.Result)
	require.Len(t, ids, 3)

	tx, err := hedgetx.DecodeTx(outcome.TxHex)
	require.NoError(t, err)

	// Three contracts with two UTXOs each, one output.
	require.Len(t, tx.TxIn, 6)
	require.Len(t, tx.TxOut, 1)

	// Every input carries the oracle signature and one open slot for
	// the user to fill.
	for _, txIn := range tx.TxIn {
		require.Len(t, txIn.Witness, 4)

		var empty, signed int
		for i := 0; i < 2; i++ {
			if len(txIn.Witness[i]) == 0 {
				empty++
			} else {
				require.Len(t, txIn.Witness[i], 64)
				signed++
			}
		}
		require.Equal(t, 1, empty)
		require.Equal(t, 1, signed)
	}

	// The single output pays total minus one aggregate fee.
	totalIn := int64(6) * testStake
	fee := hedgetx.FeeForVSize(
		hedgetx.EstimateVSize(6, hedgetx.ScriptPathInputVSize, 1), 2,
	)
	require.Equal(t, totalIn-fee, tx.TxOut[0].Value)

	// Claiming is repeatable until the contracts leave
	// WAITING_USER_SIG: the rebuilt transaction spends the same
	// prevouts to the same output.
	again, _, err := h.engine.BatchClaim(
		context.Background(), h.userPubKey,
	)
	require.NoError(t, err)

	rebuilt, err := hedgetx.DecodeTx(again.TxHex)
	require.NoError(t, err)
	require.Len(t, rebuilt.TxIn, 6)
	require.Equal(t, tx.TxOut[0].Value, rebuilt.TxOut[0].Value)
}

// TestBatchClaimWitnessesExecute asserts the half-signed batch claim
// becomes fully spendable once the user fills the open slot on every
// input: each input executes in the script VM against its contract
// output.
func TestBatchClaimWitnessesExecute(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	// Two contracts funded from distinct transactions so the claim
	// spends four distinct prevouts.
	txids := []string{
		strings.Repeat("11", 32),
		strings.Repeat("22", 32),
	}
	trees := make(map[string]*hedgescript.ContractTree)
	for _, txid := range txids {
		contract := h.createContract(contractdb.DirectionLong)
		h.chain.fundTx(
			contract.DepositAddress, txid, testStake, testStake,
		)

		outcome, err := h.engine.Settle(
			context.Background(), contract.ID, 0.06,
		)
		require.NoError(t, err)
		require.Equal(t, ResultWaitingUserSig, outcome.Result)

		tree, err := h.engine.contractTree(contract)
		require.NoError(t, err)
		trees[txid] = tree
	}

	outcome, _, err := h.engine.BatchClaim(
		context.Background(), h.userPubKey,
	)
	require.NoError(t, err)

	tx, err := hedgetx.DecodeTx(outcome.TxHex)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 4)

	pkScripts := make([][]byte, len(tx.TxIn))
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		tree := trees[txIn.PreviousOutPoint.Hash.String()]
		require.NotNil(t, tree)

		pkScripts[i], err = tree.PkScript()
		require.NoError(t, err)

		fetcher.AddPrevOut(txIn.PreviousOutPoint, wire.NewTxOut(
			testStake, pkScripts[i],
		))
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		tree := trees[txIn.PreviousOutPoint.Hash.String()]
		leaf, err := tree.Leaf(hedgescript.BranchWin)
		require.NoError(t, err)

		userSig, err := txscript.RawTxInTapscriptSignature(
			tx, sigHashes, i, testStake, pkScripts[i], leaf,
			txscript.SigHashDefault, h.userPriv,
		)
		require.NoError(t, err)

		for slot := 0; slot < 2; slot++ {
			if len(txIn.Witness[slot]) == 0 {
				txIn.Witness[slot] = userSig
			}
		}
	}

	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(
			pkScripts[i], tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, testStake, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

// TestBatchClaimNoWaiting asserts the claim fails cleanly when nothing
// awaits the user's signature.
func TestBatchClaimNoWaiting(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	_, _, err := h.engine.BatchClaim(
		context.Background(), h.userPubKey,
	)
	require.ErrorIs(t, err, ErrNoWaitingContracts)

	// A PENDING contract alone does not qualify.
	h.createContract(contractdb.DirectionLong)
	_, _, err = h.engine.BatchClaim(
		context.Background(), h.userPubKey,
	)
	require.ErrorIs(t, err, ErrNoWaitingContracts)
}

// TestBatchClaimNoFunds asserts waiting contracts whose addresses have
// been emptied produce ErrNoFundsFound rather than a zero-input
// transaction.
func TestBatchClaimNoFunds(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	contract := h.createContract(contractdb.DirectionLong)
	h.chain.fund(contract.DepositAddress, testStake, testStake)

	_, err := h.engine.Settle(context.Background(), contract.ID, 0.06)
	require.NoError(t, err)

	// The address is empty by claim time.
	h.chain.fund(contract.DepositAddress)

	_, _, err = h.engine.BatchClaim(
		context.Background(), h.userPubKey,
	)
	require.ErrorIs(t, err, ErrNoFundsFound)
}
