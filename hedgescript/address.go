package hedgescript

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashhedge/hedged/hedgeconf"
)

// DepositAddress derives the contract deposit address for the given
// user key and nonce. It is a pure function of (user key, nonce, house
// key, oracle key, network): the whole MAST is rebuilt from scratch and
// nothing but the public nonce ever needs to be persisted to spend the
// output later.
func DepositAddress(userKeyHex string, nonce []byte,
	keys *hedgeconf.KeyRing, params *chaincfg.Params) (string, error) {

	userKey, err := XOnlyFromHex(userKeyHex)
	if err != nil {
		return "", err
	}

	tree, err := NewContractTree(userKey, nonce, keys)
	if err != nil {
		return "", err
	}

	addr, err := tree.Address(params)
	if err != nil {
		return "", err
	}

	log.Tracef("Derived deposit address %v for user key %x nonce %x",
		addr, userKey, nonce)

	return addr.EncodeAddress(), nil
}
