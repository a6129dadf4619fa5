package hedgetx

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/chainapi"
)

// HouseAddress returns the House wallet's P2WPKH address.
func HouseAddress(housePub *btcec.PublicKey,
	params *chaincfg.Params) (*btcutil.AddressWitnessPubKeyHash, error) {

	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(housePub.SerializeCompressed()), params,
	)
}

// BuildHouseSend builds and fully signs a standard key-path spend of
// amount satoshis from the custodial House wallet to destPkScript, used
// for bet matching and final payouts. Change above the dust floor goes
// back to the House address; change at or below it is forfeited to fee.
func BuildHouseSend(utxos []chainapi.UTXO, housePriv *btcec.PrivateKey,
	destPkScript []byte, amount int64, feeRate float64,
	params *chaincfg.Params) (*wire.MsgTx, error) {

	tx, totalIn, err := Skeleton(utxos)
	if err != nil {
		return nil, err
	}

	housePkScript, err := P2WPKHScript(housePriv.PubKey(), params)
	if err != nil {
		return nil, err
	}

	vsize := EstimateVSize(len(utxos), KeyPathInputVSize, 2)
	fee := FeeForVSize(vsize, feeRate)

	change := totalIn - amount - fee
	if change < 0 {
		log.Warnf("House wallet short: has %d, needs %d",
			totalIn, amount+fee)
		return nil, ErrInsufficientFunds
	}

	tx.AddTxOut(wire.NewTxOut(amount, destPkScript))
	if change > DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, housePkScript))
	}

	if err := SignHouseInputs(tx, utxos, housePriv, params); err != nil {
		return nil, err
	}

	return tx, nil
}

// SignHouseInputs signs every input of tx as a P2WPKH spend from the
// House wallet. Each input's sighash binds to its own script code and
// value per BIP143.
func SignHouseInputs(tx *wire.MsgTx, utxos []chainapi.UTXO,
	housePriv *btcec.PrivateKey, params *chaincfg.Params) error {

	housePkScript, err := P2WPKHScript(housePriv.PubKey(), params)
	if err != nil {
		return err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		fetcher.AddPrevOut(
			txIn.PreviousOutPoint,
			wire.NewTxOut(utxos[i].Value, housePkScript),
		)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, utxos[i].Value, housePkScript,
			txscript.SigHashAll, housePriv, true,
		)
		if err != nil {
			return err
		}
		tx.TxIn[i].Witness = witness
	}

	return nil
}
