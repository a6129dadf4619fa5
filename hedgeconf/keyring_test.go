package hedgeconf

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestNewKeyRing asserts well formed secrets parse and the NUMS point
// loads.
func TestNewKeyRing(t *testing.T) {
	t.Parallel()

	houseSecret := strings.Repeat("01", 32)
	oracleSecret := strings.Repeat("02", 32)

	keys, err := NewKeyRing(houseSecret, oracleSecret)
	require.NoError(t, err)
	require.NotNil(t, keys.HousePriv)
	require.NotNil(t, keys.OraclePriv)
	require.NotEqual(t, keys.HousePub(), keys.OraclePub())

	// The NUMS internal key is the fixed BIP341 point.
	require.Equal(t, numsKeyHex,
		hex.EncodeToString(schnorr.SerializePubKey(keys.NUMSKey)))
}

// TestNewKeyRingRejectsBadSecrets covers malformed, short and zero
// secrets.
func TestNewKeyRingRejectsBadSecrets(t *testing.T) {
	t.Parallel()

	good := strings.Repeat("01", 32)

	cases := []string{
		"",
		"not hex",
		strings.Repeat("01", 16),
		strings.Repeat("00", 32),
	}
	for _, bad := range cases {
		_, err := NewKeyRing(bad, good)
		require.ErrorIs(t, err, ErrInvalidSecret, "house %q", bad)

		_, err = NewKeyRing(good, bad)
		require.ErrorIs(t, err, ErrInvalidSecret, "oracle %q", bad)
	}
}

// TestNetParams maps every supported network and rejects the rest.
func TestNetParams(t *testing.T) {
	t.Parallel()

	cases := map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"signet":  &chaincfg.SigNetParams,
		"regtest": &chaincfg.RegressionNetParams,
	}
	for name, want := range cases {
		got, err := NetParams(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := NetParams("litecoin")
	require.ErrorIs(t, err, ErrUnknownNetwork)
}
