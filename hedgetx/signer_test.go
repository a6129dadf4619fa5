package hedgetx

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/chainapi"
	"github.com/hashhedge/hedged/hedgeconf"
	"github.com/hashhedge/hedged/hedgescript"
	"github.com/stretchr/testify/require"
)

const (
	signTestHouseSecret = "0101010101010101010101010101010101010101" +
		"010101010101010101010101"
	signTestOracleSecret = "0202020202020202020202020202020202020202" +
		"020202020202020202020202"
)

type signTestHarness struct {
	keys     *hedgeconf.KeyRing
	userPriv *btcec.PrivateKey
	tree     *hedgescript.ContractTree
	pkScript []byte
}

func newSignTestHarness(t *testing.T) *signTestHarness {
	t.Helper()

	keys, err := hedgeconf.NewKeyRing(
		signTestHouseSecret, signTestOracleSecret,
	)
	require.NoError(t, err)

	var secret [32]byte
	for i := range secret {
		secret[i] = 0x33
	}
	userPriv, _ := btcec.PrivKeyFromBytes(secret[:])

	tree, err := hedgescript.NewContractTree(
		schnorr.SerializePubKey(userPriv.PubKey()),
		[]byte{0x01, 0x02, 0x03, 0x04}, keys,
	)
	require.NoError(t, err)

	pkScript, err := tree.PkScript()
	require.NoError(t, err)

	return &signTestHarness{
		keys:     keys,
		userPriv: userPriv,
		tree:     tree,
		pkScript: pkScript,
	}
}

// spendTx builds a one-input sweep of a fake contract UTXO of the given
// value.
func (h *signTestHarness) spendTx(t *testing.T, value int64) *wire.MsgTx {
	t.Helper()

	tx, err := BuildSweep(
		[]chainapi.UTXO{{
			TxID:  testTxID,
			Vout:  0,
			Value: value,
		}},
		testPkScript(t), ScriptPathInputVSize, 1,
	)
	require.NoError(t, err)

	return tx
}

// executeSpend runs the signed transaction through the script VM
// against the contract output.
func (h *signTestHarness) executeSpend(t *testing.T, tx *wire.MsgTx,
	value int64) error {

	t.Helper()

	prevOut := wire.NewTxOut(value, h.pkScript)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(tx.TxIn[0].PreviousOutPoint, prevOut)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	vm, err := txscript.NewEngine(
		h.pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, value, fetcher,
	)
	require.NoError(t, err)

	return vm.Execute()
}

// TestSignBranchLossExecutes fully signs a loss branch spend with the
// house and oracle keys and proves it satisfies the contract output in
// the script VM.
func TestSignBranchLossExecutes(t *testing.T) {
	t.Parallel()

	h := newSignTestHarness(t)
	const value = int64(100_000)

	tx := h.spendTx(t, value)
	err := SignBranch(
		tx, h.tree, hedgescript.BranchLoss, []int64{value},
		h.keys.HousePriv, h.keys.OraclePriv,
	)
	require.NoError(t, err)

	require.NoError(t, h.executeSpend(t, tx, value))
}

// TestSignBranchRefundExecutes exercises the refund leaf with the user
// and house keys.
func TestSignBranchRefundExecutes(t *testing.T) {
	t.Parallel()

	h := newSignTestHarness(t)
	const value = int64(100_000)

	tx := h.spendTx(t, value)
	err := SignBranch(
		tx, h.tree, hedgescript.BranchRefund, []int64{value},
		h.userPriv, h.keys.HousePriv,
	)
	require.NoError(t, err)

	require.NoError(t, h.executeSpend(t, tx, value))
}

// TestSignBranchPartial asserts a single-signer witness leaves exactly
// one zero-length placeholder in the absent signer's slot, and that
// filling that slot later yields a valid spend.
func TestSignBranchPartial(t *testing.T) {
	t.Parallel()

	h := newSignTestHarness(t)
	const value = int64(100_000)

	tx := h.spendTx(t, value)
	err := SignBranch(
		tx, h.tree, hedgescript.BranchWin, []int64{value},
		h.keys.OraclePriv,
	)
	require.NoError(t, err)

	witness := tx.TxIn[0].Witness
	require.Len(t, witness, 4)

	// Exactly one signature slot holds the oracle's 64-byte
	// signature; the other is an empty placeholder for the user.
	var emptySlot, filledSlot = -1, -1
	for i := 0; i < 2; i++ {
		if len(witness[i]) == 0 {
			emptySlot = i
		} else {
			require.Len(t, witness[i], 64)
			filledSlot = i
		}
	}
	require.NotEqual(t, -1, emptySlot)
	require.NotEqual(t, -1, filledSlot)

	// The half-signed transaction must not execute yet.
	require.Error(t, h.executeSpend(t, tx, value))

	// Fill the user's slot and the spend completes.
	prevOut := wire.NewTxOut(value, h.pkScript)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(tx.TxIn[0].PreviousOutPoint, prevOut)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	leaf, err := h.tree.Leaf(hedgescript.BranchWin)
	require.NoError(t, err)

	userSig, err := txscript.RawTxInTapscriptSignature(
		tx, sigHashes, 0, value, h.pkScript, leaf,
		txscript.SigHashDefault, h.userPriv,
	)
	require.NoError(t, err)
	tx.TxIn[0].Witness[emptySlot] = userSig

	require.NoError(t, h.executeSpend(t, tx, value))
}

// TestSignBranchWrongKeys asserts signatures from the wrong branch's
// keys do not satisfy a leaf.
func TestSignBranchWrongKeys(t *testing.T) {
	t.Parallel()

	h := newSignTestHarness(t)
	const value = int64(100_000)

	// The win leaf names user+oracle; house+oracle must not
	// satisfy it.
	tx := h.spendTx(t, value)
	err := SignBranch(
		tx, h.tree, hedgescript.BranchWin, []int64{value},
		h.keys.HousePriv, h.keys.OraclePriv,
	)
	require.NoError(t, err)

	require.Error(t, h.executeSpend(t, tx, value))
}

// TestSignBranchValueMismatch asserts the prevout value count must
// match the input count.
func TestSignBranchValueMismatch(t *testing.T) {
	t.Parallel()

	h := newSignTestHarness(t)

	tx := h.spendTx(t, 100_000)
	err := SignBranch(
		tx, h.tree, hedgescript.BranchLoss, []int64{1, 2},
		h.keys.HousePriv,
	)
	require.Error(t, err)
}
