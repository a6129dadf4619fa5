package hedgeconf

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
)

// numsKeyHex is the BIP341 nothing-up-my-sleeve point, the x-coordinate
// of lift_x(H(G)). No discrete log is known for it, so committing to it
// as the taproot internal key forces every spend through the script
// path.
const numsKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var (
	// ErrInvalidSecret is returned when a configured signing secret
	// cannot be parsed into a private key.
	ErrInvalidSecret = errors.New("invalid signing secret")

	// ErrUnknownNetwork is returned for a network name we have no
	// chain parameters for.
	ErrUnknownNetwork = errors.New("unknown network")
)

// KeyRing holds the static House and Oracle key material along with the
// shared NUMS internal key. It is constructed once at startup and passed
// by reference into every component that builds scripts or signs; no
// package reads key material from ambient globals.
type KeyRing struct {
	// HousePriv is the custodial House signing key. It signs the Loss
	// branch, the Refund branch and all P2WPKH wallet spends.
	HousePriv *btcec.PrivateKey

	// OraclePriv is the attestation key. It signs the Win and Loss
	// branches, never a key-path spend.
	OraclePriv *btcec.PrivateKey

	// NUMSKey is the fixed internal key every contract output is
	// tweaked from.
	NUMSKey *btcec.PublicKey
}

// NewKeyRing parses the hex encoded House and Oracle secrets and
// assembles the process wide key material.
func NewKeyRing(houseSecretHex, oracleSecretHex string) (*KeyRing, error) {
	housePriv, err := parseSecret(houseSecretHex)
	if err != nil {
		return nil, fmt.Errorf("house key: %w", err)
	}
	oraclePriv, err := parseSecret(oracleSecretHex)
	if err != nil {
		return nil, fmt.Errorf("oracle key: %w", err)
	}

	numsBytes, err := hex.DecodeString(numsKeyHex)
	if err != nil {
		return nil, err
	}
	numsKey, err := schnorr.ParsePubKey(numsBytes)
	if err != nil {
		return nil, err
	}

	return &KeyRing{
		HousePriv:  housePriv,
		OraclePriv: oraclePriv,
		NUMSKey:    numsKey,
	}, nil
}

// HousePub returns the House public key.
func (k *KeyRing) HousePub() *btcec.PublicKey {
	return k.HousePriv.PubKey()
}

// OraclePub returns the Oracle public key.
func (k *KeyRing) OraclePub() *btcec.PublicKey {
	return k.OraclePriv.PubKey()
}

func parseSecret(secretHex string) (*btcec.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, ErrInvalidSecret
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	if priv.Key.IsZero() {
		return nil, ErrInvalidSecret
	}
	return priv, nil
}

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownNetwork, network)
	}
}
