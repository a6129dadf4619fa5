package chainapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T,
	handler http.HandlerFunc) *Client {

	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(server.URL, 0)
}

// TestUTXOs covers the happy path plus the degrade-to-empty behavior
// for provider errors and garbage payloads.
func TestUTXOs(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal(t, "/address/tb1qtest/utxo", r.URL.Path)
		w.Write([]byte(`[
			{"txid": "` + strings.Repeat("ab", 32) + `",
			 "vout": 1, "value": 50000}
		]`))
	})

	utxos, err := client.UTXOs(context.Background(), "tb1qtest")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, uint32(1), utxos[0].Vout)
	require.Equal(t, int64(50_000), utxos[0].Value)

	// Provider-side errors yield no data, not failure.
	failing := newTestClient(t, func(w http.ResponseWriter,
		_ *http.Request) {

		w.WriteHeader(http.StatusBadGateway)
	})
	utxos, err = failing.UTXOs(context.Background(), "tb1qtest")
	require.NoError(t, err)
	require.Empty(t, utxos)

	// So does a garbage body.
	garbage := newTestClient(t, func(w http.ResponseWriter,
		_ *http.Request) {

		w.Write([]byte("<html>not json</html>"))
	})
	utxos, err = garbage.UTXOs(context.Background(), "tb1qtest")
	require.NoError(t, err)
	require.Empty(t, utxos)
}

// TestBroadcast asserts a well-formed txid response succeeds and
// anything else maps to ErrBroadcastFailure.
func TestBroadcast(t *testing.T) {
	t.Parallel()

	wantTxID := strings.Repeat("cd", 32)

	client := newTestClient(t, func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tx", r.URL.Path)
		w.Write([]byte(wantTxID + "\n"))
	})

	txid, err := client.Broadcast(context.Background(), "0200beef")
	require.NoError(t, err)
	require.Equal(t, wantTxID, txid)

	// A rejection message is a broadcast failure.
	rejecting := newTestClient(t, func(w http.ResponseWriter,
		_ *http.Request) {

		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("sendrawtransaction RPC error: bad-txns"))
	})
	_, err = rejecting.Broadcast(context.Background(), "0200beef")
	require.ErrorIs(t, err, ErrBroadcastFailure)

	// A 200 carrying a non-txid body is also a failure: state must
	// not advance on a payload we cannot verify.
	lying := newTestClient(t, func(w http.ResponseWriter,
		_ *http.Request) {

		w.Write([]byte("ok"))
	})
	_, err = lying.Broadcast(context.Background(), "0200beef")
	require.ErrorIs(t, err, ErrBroadcastFailure)
}

// TestBroadcastProviderDown asserts transport failures surface as
// ErrProviderUnavailable.
func TestBroadcastProviderDown(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	client := NewClient(server.URL, 0)
	server.Close()

	_, err := client.Broadcast(context.Background(), "0200beef")
	require.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = client.UTXOs(context.Background(), "tb1qtest")
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

// TestTipHash asserts the tip endpoint trims whitespace and discards
// malformed hashes.
func TestTipHash(t *testing.T) {
	t.Parallel()

	wantTip := strings.Repeat("00", 28) + "deadbeef"

	client := newTestClient(t, func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal(t, "/blocks/tip/hash", r.URL.Path)
		w.Write([]byte(wantTip + "\n"))
	})

	tip, err := client.TipHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, wantTip, tip)

	malformed := newTestClient(t, func(w http.ResponseWriter,
		_ *http.Request) {

		w.Write([]byte("tooshort"))
	})
	tip, err = malformed.TipHash(context.Background())
	require.NoError(t, err)
	require.Empty(t, tip)
}

// TestRecentBlocks asserts the block listing decodes height and
// timestamp.
func TestRecentBlocks(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter,
		r *http.Request) {

		require.Equal(t, "/blocks", r.URL.Path)
		w.Write([]byte(`[
			{"height": 250001, "timestamp": 1700000100},
			{"height": 250000, "timestamp": 1699999500}
		]`))
	})

	blocks, err := client.RecentBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, int64(250_001), blocks[0].Height)
	require.Equal(t, int64(1_700_000_100), blocks[0].Timestamp)
}
