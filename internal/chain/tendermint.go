package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
)

// Attribute is one key/value pair on a Tendermint event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is one Tendermint/Cosmos SDK event, transactional or block-level.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Attr returns the first attribute value for key, and whether it was found.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// TxResult is one transaction's events within a block.
type TxResult struct {
	Events []Event `json:"events"`
}

// BlockResults is the block_results RPC response shape spec.md §4.1 names:
// transactional events nested under txs_results, non-transactional events at
// finalize_block_events (most Cosmos SDK chains) or end_block_events
// (Namada).
type BlockResults struct {
	Height               int64      `json:"height,string"`
	TxsResults           []TxResult `json:"txs_results"`
	FinalizeBlockEvents  []Event    `json:"finalize_block_events"`
	EndBlockEvents       []Event    `json:"end_block_events"`
}

// TendermintAdapter is the uniform read interface over Tendermint/Cosmos SDK
// REST, built on hashicorp/go-retryablehttp per the wormhole-foundation-wormhole
// pack entry's http_client.go, since no teacher dependency covers this
// transport shape.
type TendermintAdapter struct {
	chainID    string
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewTendermintAdapter builds a retrying REST client against baseURL. The
// retry/backoff knobs mirror spec.md §4.1: 3 attempts in total (the first
// try plus RetryMax retries), 500ms -> 5s exponential, transient-only.
func NewTendermintAdapter(chainID, baseURL string) *TendermintAdapter {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		if resp == nil {
			return false, nil
		}
		return HTTPStatusClassification(resp.StatusCode) == ClassificationTransient, nil
	}
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min
		b.MaxInterval = max
		d := min
		for i := 0; i < attemptNum; i++ {
			d = b.NextBackOff()
		}
		if d > max {
			d = max
		}
		return d
	}

	return &TendermintAdapter{
		chainID:    chainID,
		baseURL:    baseURL,
		httpClient: client,
	}
}

func (a *TendermintAdapter) get(ctx context.Context, path string, out interface{}) error {
	metrics.ChainAdapterRequests.WithLabelValues(a.chainID, path).Inc()
	start := time.Now()
	defer func() {
		metrics.ChainAdapterRequestDuration.WithLabelValues(a.chainID, path).Observe(time.Since(start).Seconds())
	}()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		metrics.ChainAdapterErrors.WithLabelValues(a.chainID, path, "transient").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		classification := HTTPStatusClassification(resp.StatusCode)
		if classification == ClassificationPermanent {
			metrics.ChainAdapterErrors.WithLabelValues(a.chainID, path, "permanent").Inc()
			return &PermanentError{Status: resp.StatusCode, Err: fmt.Errorf("tendermint adapter: %s returned %d", path, resp.StatusCode)}
		}
		metrics.ChainAdapterErrors.WithLabelValues(a.chainID, path, "transient").Inc()
		return fmt.Errorf("tendermint adapter: %s returned %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

type tendermintStatusResponse struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight string `json:"latest_block_height"`
		} `json:"sync_info"`
	} `json:"result"`
}

// GetLatestBlockHeight returns the chain tip.
func (a *TendermintAdapter) GetLatestBlockHeight(ctx context.Context) (int64, error) {
	var out tendermintStatusResponse
	if err := a.get(ctx, "/status", &out); err != nil {
		return 0, err
	}
	return strconv.ParseInt(out.Result.SyncInfo.LatestBlockHeight, 10, 64)
}

type blockResultsResponse struct {
	Result BlockResults `json:"result"`
}

// GetBlockResults returns the block_results for height, or (nil, nil) when
// the height isn't available yet - null, not a permanent error, per
// spec.md §4.1.
func (a *TendermintAdapter) GetBlockResults(ctx context.Context, height int64) (*BlockResults, error) {
	var out blockResultsResponse
	path := fmt.Sprintf("/block_results?height=%d", height)
	err := a.get(ctx, path, &out)
	if err != nil {
		if IsPermanent(err) {
			return nil, nil
		}
		return nil, err
	}
	return &out.Result, nil
}

type txSearchResponse struct {
	Result struct {
		Txs []struct {
			Hash      string   `json:"hash"`
			Height    string   `json:"height"`
			TxResult  TxResult `json:"tx_result"`
		} `json:"txs"`
		TotalCount string `json:"total_count"`
	} `json:"result"`
}

// SearchTransactions runs a Tendermint tx_search query.
func (a *TendermintAdapter) SearchTransactions(ctx context.Context, query string, page, perPage int) (*txSearchResponse, error) {
	path := fmt.Sprintf("/tx_search?query=%q&page=%d&per_page=%d", query, page, perPage)
	var out txSearchResponse
	if err := a.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransaction fetches a single transaction by hash.
func (a *TendermintAdapter) GetTransaction(ctx context.Context, hash string) (*TxResult, error) {
	var out struct {
		Result struct {
			TxResult TxResult `json:"tx_result"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/tx?hash=0x%s", hash)
	if err := a.get(ctx, path, &out); err != nil {
		if IsPermanent(err) {
			return nil, nil
		}
		return nil, err
	}
	return &out.Result.TxResult, nil
}
