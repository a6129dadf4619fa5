package hedgetx

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testHousePriv() *btcec.PrivateKey {
	var secret [32]byte
	for i := range secret {
		secret[i] = 0x01
	}
	priv, _ := btcec.PrivKeyFromBytes(secret[:])
	return priv
}

// TestBuildHouseSend asserts the wallet spend pays the exact amount,
// returns change above the dust floor and forfeits change at or below
// it, and that the signed result satisfies the wallet outputs in the
// script VM.
func TestBuildHouseSend(t *testing.T) {
	t.Parallel()

	housePriv := testHousePriv()
	destPkScript := testPkScript(t)
	housePkScript, err := P2WPKHScript(
		housePriv.PubKey(), &chaincfg.SigNetParams,
	)
	require.NoError(t, err)

	utxos := testUTXOs(500_000)
	tx, err := BuildHouseSend(
		utxos, housePriv, destPkScript, 100_000, 2,
		&chaincfg.SigNetParams,
	)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, int64(100_000), tx.TxOut[0].Value)
	require.Equal(t, destPkScript, tx.TxOut[0].PkScript)
	require.Equal(t, housePkScript, tx.TxOut[1].PkScript)

	fee := FeeForVSize(EstimateVSize(1, KeyPathInputVSize, 2), 2)
	require.Equal(t, int64(500_000-100_000)-fee, tx.TxOut[1].Value)

	// Every input must carry a valid BIP143 witness.
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		fetcher.AddPrevOut(
			txIn.PreviousOutPoint,
			wire.NewTxOut(utxos[i].Value, housePkScript),
		)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(
		housePkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, utxos[0].Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestBuildHouseSendDust asserts change at or below the dust floor is
// dropped and the wallet refuses spends it cannot afford.
func TestBuildHouseSendDust(t *testing.T) {
	t.Parallel()

	housePriv := testHousePriv()
	destPkScript := testPkScript(t)

	fee := FeeForVSize(EstimateVSize(1, KeyPathInputVSize, 2), 2)

	// Exactly DustLimit of change remains: forfeited to fee, only
	// the payment output is emitted.
	utxos := testUTXOs(100_000 + fee + DustLimit)
	tx, err := BuildHouseSend(
		utxos, housePriv, destPkScript, 100_000, 2,
		&chaincfg.SigNetParams,
	)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)

	// One satoshi short of amount+fee is refused outright.
	utxos = testUTXOs(100_000 + fee - 1)
	_, err = BuildHouseSend(
		utxos, housePriv, destPkScript, 100_000, 2,
		&chaincfg.SigNetParams,
	)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}
