package hedgescript

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hashhedge/hedged/hedgeconf"
)

// Branch identifies one of the three alternative spending conditions a
// contract output commits to. The numeric values double as the leaf
// indices in the assembled script tree, which fixes the control block
// merkle path per branch.
type Branch uint8

const (
	// BranchWin is the User+Oracle leaf, spent when the user's bet
	// pays out.
	BranchWin Branch = 0

	// BranchLoss is the House+Oracle leaf, spent when the house
	// collects.
	BranchLoss Branch = 1

	// BranchRefund is the User+House leaf, the mutual exit that
	// needs no oracle cooperation.
	BranchRefund Branch = 2
)

// String returns a human readable branch name.
func (b Branch) String() string {
	switch b {
	case BranchWin:
		return "win"
	case BranchLoss:
		return "loss"
	case BranchRefund:
		return "refund"
	default:
		return fmt.Sprintf("branch=%d", b)
	}
}

var (
	// ErrInvalidPubKey is returned when a user supplied public key
	// cannot be normalized to its 32-byte x-only form.
	ErrInvalidPubKey = errors.New("invalid public key")

	// ErrInvalidNonce is returned when the contract nonce is not the
	// expected 4-byte salt.
	ErrInvalidNonce = errors.New("invalid contract nonce")

	// ErrUnknownBranch is returned for a branch outside the three
	// committed leaves.
	ErrUnknownBranch = errors.New("unknown script branch")
)

// NonceSize is the size of the per-contract salt pushed (and dropped) at
// the head of every leaf script. It makes otherwise identical key sets
// commit to distinct addresses.
const NonceSize = 4

// XOnlyFromHex normalizes a hex encoded public key to its 32-byte x-only
// serialization. Compressed (33 byte), uncompressed (65 byte) and bare
// x-only (32 byte) encodings are accepted.
func XOnlyFromHex(pubKeyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}

	switch len(raw) {
	case 32:
		// Reject x coordinates that don't lie on the curve.
		if _, err := schnorr.ParsePubKey(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
		}
		return raw, nil

	case 33, 65:
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
		}
		return schnorr.SerializePubKey(pub), nil

	default:
		return nil, fmt.Errorf("%w: unexpected length %d",
			ErrInvalidPubKey, len(raw))
	}
}

// leaf2of2Script builds one nonce-salted 2-of-2 CHECKSIGADD leaf:
//
//	<nonce> OP_DROP <loKey> OP_CHECKSIG <hiKey> OP_CHECKSIGADD
//	OP_2 OP_NUMEQUAL
//
// The two keys are sorted ascending by their 32-byte serialization
// before emission, so the script bytes (and with them the witness
// order) are a deterministic function of the key bytes alone.
func leaf2of2Script(nonce, keyA, keyB []byte) ([]byte, []byte, []byte, error) {
	lo, hi := keyA, keyB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	script, err := txscript.NewScriptBuilder().
		AddData(nonce).
		AddOp(txscript.OP_DROP).
		AddData(lo).
		AddOp(txscript.OP_CHECKSIG).
		AddData(hi).
		AddOp(txscript.OP_CHECKSIGADD).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_NUMEQUAL).
		Script()
	if err != nil {
		return nil, nil, nil, err
	}

	return script, lo, hi, nil
}

// branchLeaf carries one assembled leaf script together with its two
// signer keys in ascending order.
type branchLeaf struct {
	script []byte

	// loKey and hiKey are the leaf's signer keys sorted ascending,
	// matching their position in the script. Witness stacks are
	// emitted in the reverse of this order.
	loKey []byte
	hiKey []byte
}

// ContractTree is the fully assembled MAST for one contract: the three
// 2-of-2 leaves, the merkle tree over them, and the tweaked output key.
// It is recomputed from durable minimal state (user key + nonce) on
// every construction or signing call; nothing here is authoritative
// cached state.
type ContractTree struct {
	internalKey *btcec.PublicKey

	// OutputKey is the taproot output key: the NUMS internal point
	// tweaked by the merkle root.
	OutputKey *btcec.PublicKey

	tree   *txscript.IndexedTapScriptTree
	leaves [3]branchLeaf
}

// NewContractTree assembles the contract MAST for the given x-only user
// key and nonce. The tree shape is [[Win, Loss], Refund] with leaf
// indices 0, 1, 2; assembling the leaves in that order reproduces the
// shape exactly.
func NewContractTree(userKey, nonce []byte,
	keys *hedgeconf.KeyRing) (*ContractTree, error) {

	if len(userKey) != 32 {
		return nil, ErrInvalidPubKey
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}

	houseKey := schnorr.SerializePubKey(keys.HousePub())
	oracleKey := schnorr.SerializePubKey(keys.OraclePub())

	var (
		t   ContractTree
		err error
	)

	branchKeys := [3][2][]byte{
		BranchWin:    {userKey, oracleKey},
		BranchLoss:   {houseKey, oracleKey},
		BranchRefund: {userKey, houseKey},
	}
	for branch, pair := range branchKeys {
		t.leaves[branch].script, t.leaves[branch].loKey,
			t.leaves[branch].hiKey, err = leaf2of2Script(
			nonce, pair[0], pair[1],
		)
		if err != nil {
			return nil, err
		}
	}

	t.tree = txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(t.leaves[BranchWin].script),
		txscript.NewBaseTapLeaf(t.leaves[BranchLoss].script),
		txscript.NewBaseTapLeaf(t.leaves[BranchRefund].script),
	)

	rootHash := t.tree.RootNode.TapHash()
	t.internalKey = keys.NUMSKey
	t.OutputKey = txscript.ComputeTaprootOutputKey(
		keys.NUMSKey, rootHash[:],
	)

	return &t, nil
}

// LeafScript returns the raw script of the given branch.
func (t *ContractTree) LeafScript(branch Branch) ([]byte, error) {
	if branch > BranchRefund {
		return nil, ErrUnknownBranch
	}
	return t.leaves[branch].script, nil
}

// Leaf returns the tap leaf of the given branch.
func (t *ContractTree) Leaf(branch Branch) (txscript.TapLeaf, error) {
	script, err := t.LeafScript(branch)
	if err != nil {
		return txscript.TapLeaf{}, err
	}
	return txscript.NewBaseTapLeaf(script), nil
}

// SignerKeys returns the branch's two signer keys in ascending script
// order.
func (t *ContractTree) SignerKeys(branch Branch) ([]byte, []byte, error) {
	if branch > BranchRefund {
		return nil, nil, ErrUnknownBranch
	}
	return t.leaves[branch].loKey, t.leaves[branch].hiKey, nil
}

// ControlBlock serializes the control block proving the given branch's
// inclusion under the committed output key, including the output key
// parity bit.
func (t *ContractTree) ControlBlock(branch Branch) ([]byte, error) {
	if branch > BranchRefund {
		return nil, ErrUnknownBranch
	}

	proof := t.tree.LeafMerkleProofs[branch]
	controlBlock := proof.ToControlBlock(t.internalKey)

	return controlBlock.ToBytes()
}

// PkScript returns the v1 witness program paying to the contract's
// output key.
func (t *ContractTree) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(t.OutputKey)
}

// Address encodes the contract output as a taproot address on the given
// network.
func (t *ContractTree) Address(
	params *chaincfg.Params) (*btcutil.AddressTaproot, error) {

	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(t.OutputKey), params,
	)
}
