package hedgetx

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/chainapi"
)

const (
	// ScriptPathInputVSize is the estimated virtual size of one
	// tapscript path input: outpoint and sequence plus a witness of
	// two 64-byte signatures, the leaf script and a depth-2 control
	// block.
	ScriptPathInputVSize = 150

	// KeyPathInputVSize is the estimated virtual size of one P2WPKH
	// input.
	KeyPathInputVSize = 68

	// OutputVSize is the estimated virtual size of one output.
	OutputVSize = 31

	// TxOverheadVSize covers version, locktime, segwit marker and the
	// input/output counts.
	TxOverheadVSize = 11

	// DustLimit is the floor below which a change output is dropped
	// and forfeited to fee rather than folded into another output.
	DustLimit = 546
)

var (
	// ErrInsufficientFunds is returned when the estimated fee meets or
	// exceeds the funds being spent. Nothing is persisted or broadcast
	// when this is returned.
	ErrInsufficientFunds = errors.New("insufficient funds for fee")

	// ErrNoUTXOs is returned when a spend is requested against an
	// empty UTXO set.
	ErrNoUTXOs = errors.New("no spendable outputs")
)

// EstimateVSize returns the estimated virtual size of a transaction with
// numInputs inputs of the given per-input size and numOutputs outputs.
func EstimateVSize(numInputs, inputVSize, numOutputs int) int64 {
	return int64(numInputs*inputVSize + numOutputs*OutputVSize +
		TxOverheadVSize)
}

// FeeForVSize converts a virtual size estimate and a sat/vbyte rate to
// an absolute fee, rounding up.
func FeeForVSize(vsize int64, feeRate float64) int64 {
	return int64(math.Ceil(float64(vsize) * feeRate))
}

// Skeleton wires the given UTXOs as the inputs of a fresh unsigned
// transaction, with witnesses left empty, and returns it along with the
// total input value.
func Skeleton(utxos []chainapi.UTXO) (*wire.MsgTx, int64, error) {
	if len(utxos) == 0 {
		return nil, 0, ErrNoUTXOs
	}

	tx := wire.NewMsgTx(2)
	var totalIn int64
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, 0, err
		}
		tx.AddTxIn(wire.NewTxIn(
			wire.NewOutPoint(hash, utxo.Vout), nil, nil,
		))
		totalIn += utxo.Value
	}

	return tx, totalIn, nil
}

// BuildSweep builds an unsigned skeleton spending every UTXO to a single
// output of totalIn minus fee.
func BuildSweep(utxos []chainapi.UTXO, destPkScript []byte, inputVSize int,
	feeRate float64) (*wire.MsgTx, error) {

	tx, totalIn, err := Skeleton(utxos)
	if err != nil {
		return nil, err
	}

	vsize := EstimateVSize(len(utxos), inputVSize, 1)
	fee := FeeForVSize(vsize, feeRate)

	sendAmount := totalIn - fee
	if sendAmount <= 0 {
		return nil, ErrInsufficientFunds
	}

	log.Debugf("Sweep of %d inputs: vsize=%d fee=%d send=%d",
		len(utxos), vsize, fee, sendAmount)

	tx.AddTxOut(wire.NewTxOut(sendAmount, destPkScript))

	return tx, nil
}

// BuildSplit builds an unsigned skeleton spending every UTXO to two
// outputs of (totalIn − fee)/2 each. The two outputs are equal; an odd
// remainder satoshi is forfeited to fee.
func BuildSplit(utxos []chainapi.UTXO, pkScriptA, pkScriptB []byte,
	inputVSize int, feeRate float64) (*wire.MsgTx, error) {

	tx, totalIn, err := Skeleton(utxos)
	if err != nil {
		return nil, err
	}

	vsize := EstimateVSize(len(utxos), inputVSize, 2)
	fee := FeeForVSize(vsize, feeRate)

	half := (totalIn - fee) / 2
	if half <= 0 {
		return nil, ErrInsufficientFunds
	}

	tx.AddTxOut(wire.NewTxOut(half, pkScriptA))
	tx.AddTxOut(wire.NewTxOut(half, pkScriptB))

	return tx, nil
}

// P2WPKHScript returns the witness pubkey hash script paying to the
// given key.
func P2WPKHScript(pubKey *btcec.PublicKey,
	params *chaincfg.Params) ([]byte, error) {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), params,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// P2WPKHScriptFromHex is P2WPKHScript for a hex encoded public key. A
// bare 32-byte x-only key is lifted to its even-parity point, matching
// the BIP340 convention used everywhere else a key is identified by its
// x coordinate alone.
func P2WPKHScriptFromHex(pubKeyHex string,
	params *chaincfg.Params) ([]byte, error) {

	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, err
	}
	if len(raw) == 32 {
		raw = append([]byte{0x02}, raw...)
	}
	pubKey, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, err
	}

	return P2WPKHScript(pubKey, params)
}

// EncodeTx serializes a transaction to its raw hex form.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DecodeTx parses a raw hex transaction.
func DecodeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
