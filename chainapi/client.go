package chainapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL points at the public signet esplora instance the
	// service was developed against.
	DefaultBaseURL = "https://mempool.space/signet/api"

	// DefaultRequestTimeout bounds every provider round trip.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps how much of an untrusted response body we
	// are willing to read.
	maxResponseSize = 1 << 20
)

var (
	// ErrProviderUnavailable is returned when the block data provider
	// cannot be reached at all. Callers treat it as transient: log,
	// abort the current attempt and retry on the next sweep tick.
	ErrProviderUnavailable = errors.New("block data provider unavailable")

	// ErrBroadcastFailure is returned when the provider accepted the
	// request but rejected the transaction. Persisted contract state
	// must not advance when this is returned.
	ErrBroadcastFailure = errors.New("transaction broadcast failed")
)

// UTXO is one unspent output on a watched address, as reported by the
// provider. UTXOs are transient: they are re-fetched before every spend
// and never cached across calls.
type UTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

// BlockInfo is the subset of the provider's block listing we consume.
type BlockInfo struct {
	Height    int64 `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Client is a thin REST client for an esplora style block data provider.
// Every response is treated as untrusted: malformed or empty payloads
// degrade to "no data" instead of failing the caller.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a provider client against the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// UTXOs lists the unspent outputs currently sitting on addr. A provider
// error or a malformed body yields an empty slice, never a crash; only
// transport level failures are surfaced.
func (c *Client) UTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	body, err := c.get(ctx, "/address/"+addr+"/utxo")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var utxos []UTXO
	if err := json.Unmarshal(body, &utxos); err != nil {
		log.Warnf("Discarding malformed utxo listing for %v: %v",
			addr, err)
		return nil, nil
	}

	return utxos, nil
}

// Broadcast submits a raw transaction and returns the provider reported
// txid. A rejection is ErrBroadcastFailure carrying the provider's
// message.
func (c *Client) Broadcast(ctx context.Context, txHex string) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/tx",
		strings.NewReader(txHex),
	)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	txid := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK || !isTxID(txid) {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailure, txid)
	}

	log.Debugf("Broadcast accepted: %v", txid)

	return txid, nil
}

// TipHash returns the current chain tip block hash.
func (c *Client) TipHash(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/blocks/tip/hash")
	if err != nil {
		return "", err
	}

	tip := strings.TrimSpace(string(body))
	if len(tip) != 64 {
		log.Warnf("Discarding malformed tip hash %q", tip)
		return "", nil
	}

	return tip, nil
}

// RecentBlocks returns the provider's most recent block listing, newest
// first.
func (c *Client) RecentBlocks(ctx context.Context) ([]BlockInfo, error) {
	body, err := c.get(ctx, "/blocks")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var blocks []BlockInfo
	if err := json.Unmarshal(body, &blocks); err != nil {
		log.Warnf("Discarding malformed block listing: %v", err)
		return nil, nil
	}

	return blocks, nil
}

// get fetches a path, returning nil body (no data) for any non-200
// status and ErrProviderUnavailable for transport failures.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+path, nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debugf("Provider returned status %v for %v",
			resp.StatusCode, path)
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return body, nil
}

func isTxID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
