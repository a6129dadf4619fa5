package hedgetx

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedged/hedgescript"
)

// BranchSignDesc describes how one input spends a contract output: the
// rebuilt contract tree, the branch being taken, and the exact prevout
// the sighash must bind to.
type BranchSignDesc struct {
	// Tree is the contract MAST, rebuilt from durable state for this
	// signing call.
	Tree *hedgescript.ContractTree

	// Branch selects the leaf being satisfied.
	Branch hedgescript.Branch

	// PrevOut is the output being spent: its script and value are
	// committed by the BIP341 sighash.
	PrevOut *wire.TxOut
}

// SignTapLeafInput produces the witness stack for input idx of tx under
// the descriptor's branch, signing with whichever of the supplied keys
// the leaf actually names. The stack layout is:
//
//	[sig_hiKey, sig_loKey, leaf script, control block]
//
// reverse of the ascending script key order, matching the CHECKSIGADD
// accumulator's evaluation order. A leaf key with no matching private
// key contributes a zero-length placeholder in its slot for a later
// signer to fill. Key-path signatures are never produced.
func SignTapLeafInput(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes,
	idx int, desc *BranchSignDesc,
	signers ...*btcec.PrivateKey) (wire.TxWitness, error) {

	leaf, err := desc.Tree.Leaf(desc.Branch)
	if err != nil {
		return nil, err
	}
	loKey, hiKey, err := desc.Tree.SignerKeys(desc.Branch)
	if err != nil {
		return nil, err
	}
	controlBlock, err := desc.Tree.ControlBlock(desc.Branch)
	if err != nil {
		return nil, err
	}

	signFor := func(xOnlyKey []byte) ([]byte, error) {
		for _, priv := range signers {
			pub := schnorr.SerializePubKey(priv.PubKey())
			if !bytes.Equal(pub, xOnlyKey) {
				continue
			}
			return txscript.RawTxInTapscriptSignature(
				tx, sigHashes, idx, desc.PrevOut.Value,
				desc.PrevOut.PkScript, leaf,
				txscript.SigHashDefault, priv,
			)
		}

		// Not controlled locally: an explicit empty element keeps
		// the stack slot for the absent signer.
		return nil, nil
	}

	sigHi, err := signFor(hiKey)
	if err != nil {
		return nil, fmt.Errorf("signing input %d for key %x: %w",
			idx, hiKey, err)
	}
	sigLo, err := signFor(loKey)
	if err != nil {
		return nil, fmt.Errorf("signing input %d for key %x: %w",
			idx, loKey, err)
	}

	if sigHi == nil {
		sigHi = []byte{}
	}
	if sigLo == nil {
		sigLo = []byte{}
	}

	return wire.TxWitness{
		sigHi, sigLo, leaf.Script, controlBlock,
	}, nil
}

// SignBranch fills in the witness of every input of tx, all of which
// spend the same contract output under the same branch.
func SignBranch(tx *wire.MsgTx, tree *hedgescript.ContractTree,
	branch hedgescript.Branch, prevOutValues []int64,
	signers ...*btcec.PrivateKey) error {

	if len(prevOutValues) != len(tx.TxIn) {
		return fmt.Errorf("have %d inputs but %d prevout values",
			len(tx.TxIn), len(prevOutValues))
	}

	pkScript, err := tree.PkScript()
	if err != nil {
		return err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevOuts := make([]*wire.TxOut, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		prevOuts[i] = wire.NewTxOut(prevOutValues[i], pkScript)
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		witness, err := SignTapLeafInput(
			tx, sigHashes, i, &BranchSignDesc{
				Tree:    tree,
				Branch:  branch,
				PrevOut: prevOuts[i],
			}, signers...,
		)
		if err != nil {
			return err
		}
		tx.TxIn[i].Witness = witness
	}

	log.Debugf("Signed %d input(s) on %v branch with %d local key(s)",
		len(tx.TxIn), branch, len(signers))

	return nil
}
