package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/circle-fin/usdc-flow-tracker/internal/chain"
)

// fakeTendermintServer serves /status and /block_results the way a Noble or
// Namada full node does, backed by an in-memory height->events map.
type fakeTendermintServer struct {
	tip    int64
	blocks map[int64]chain.BlockResults
}

func newFakeTendermintServer(tip int64) *fakeTendermintServer {
	return &fakeTendermintServer{tip: tip, blocks: make(map[int64]chain.BlockResults)}
}

func (f *fakeTendermintServer) start(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/status":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"sync_info": map[string]interface{}{
						"latest_block_height": strconv.FormatInt(f.tip, 10),
					},
				},
			})
		case r.URL.Path == "/block_results":
			heightStr := r.URL.Query().Get("height")
			height, _ := strconv.ParseInt(heightStr, 10, 64)
			res, ok := f.blocks[height]
			if !ok {
				res = chain.BlockResults{Height: height}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"result": res})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func event(eventType string, attrs map[string]string) chain.Event {
	e := chain.Event{Type: eventType}
	for k, v := range attrs {
		e.Attributes = append(e.Attributes, chain.Attribute{Key: k, Value: v})
	}
	return e
}

func TestPollNobleDeposit_MatchesBothConditionsInSameBlock(t *testing.T) {
	srv := newFakeTendermintServer(105)
	srv.blocks[101] = chain.BlockResults{
		Height: 101,
		TxsResults: []chain.TxResult{
			{Events: []chain.Event{event("coin_received", map[string]string{
				"receiver": "noble1forward", "amount": "100000uusdc",
			})}},
		},
		FinalizeBlockEvents: []chain.Event{
			event("ibc_transfer", map[string]string{
				"sender": "noble1forward", "receiver": "znam1receiver", "denom": "uusdc",
			}),
		},
	}
	adapter := chain.NewTendermintAdapter("noble-1", srv.start(t))

	var observed []string
	params := PollParams{Chain: "noble-1", StartBlock: 100, TimeoutMs: 5000, PollIntervalMs: 10, BlockRequestDelayMs: 0,
		OnUpdate: func(stage, txHash string, height int64) { observed = append(observed, stage) }}

	result := PollNobleDeposit(context.Background(), adapter, params, NobleDepositParams{
		ForwardingAddress:   "noble1forward",
		ExpectedAmountUusdc: "100000uusdc",
		NamadaReceiver:      "znam1receiver",
	})

	if !result.Matched {
		t.Fatalf("expected a match, got %+v", result)
	}
	if result.BlockHeight != 101 {
		t.Fatalf("expected match at height 101, got %d", result.BlockHeight)
	}
	if len(observed) != 2 {
		t.Fatalf("expected both sub-conditions to fire OnUpdate, got %v", observed)
	}
}

func TestPollNobleDeposit_LatchesIndependentlyAcrossBlocks(t *testing.T) {
	srv := newFakeTendermintServer(105)
	srv.blocks[101] = chain.BlockResults{
		Height: 101,
		TxsResults: []chain.TxResult{
			{Events: []chain.Event{event("coin_received", map[string]string{
				"receiver": "noble1forward", "amount": "100000uusdc",
			})}},
		},
	}
	srv.blocks[103] = chain.BlockResults{
		Height: 103,
		FinalizeBlockEvents: []chain.Event{
			event("ibc_transfer", map[string]string{
				"sender": "noble1forward", "receiver": "znam1receiver", "denom": "uusdc",
			}),
		},
	}
	adapter := chain.NewTendermintAdapter("noble-1", srv.start(t))

	var observed []string
	params := PollParams{Chain: "noble-1", StartBlock: 100, TimeoutMs: 5000, PollIntervalMs: 10, BlockRequestDelayMs: 0,
		OnUpdate: func(stage, txHash string, height int64) { observed = append(observed, stage) }}

	result := PollNobleDeposit(context.Background(), adapter, params, NobleDepositParams{
		ForwardingAddress:   "noble1forward",
		ExpectedAmountUusdc: "100000uusdc",
		NamadaReceiver:      "znam1receiver",
	})

	if !result.Matched {
		t.Fatalf("expected a match once both blocks are scanned, got %+v", result)
	}
	if len(observed) != 2 || observed[0] != StageNobleCCTPMinted || observed[1] != StageNobleIBCForwarded {
		t.Fatalf("expected ordered independent latches, got %v", observed)
	}
}

func TestPollNobleDeposit_TimesOutWithoutAMatch(t *testing.T) {
	srv := newFakeTendermintServer(105)
	adapter := chain.NewTendermintAdapter("noble-1", srv.start(t))

	params := PollParams{Chain: "noble-1", StartBlock: 100, TimeoutMs: 50, PollIntervalMs: 10, BlockRequestDelayMs: 0}

	result := PollNobleDeposit(context.Background(), adapter, params, NobleDepositParams{
		ForwardingAddress:   "noble1forward",
		ExpectedAmountUusdc: "100000uusdc",
		NamadaReceiver:      "znam1receiver",
	})

	if !result.TimedOut {
		t.Fatalf("expected TimedOut, got %+v", result)
	}
}

func TestPollNobleOrbiter_MatchesAckAndBurn(t *testing.T) {
	srv := newFakeTendermintServer(105)
	srv.blocks[101] = chain.BlockResults{
		Height: 101,
		TxsResults: []chain.TxResult{{Events: []chain.Event{
			event("write_acknowledgement", map[string]string{
				"packet_ack":  `{"result":"AQ=="}`,
				"packet_data": fmt.Sprintf(`{"memo":%q,"amount":"500000","receiver":"noble1orbiter"}`, `{"forward":true}`),
			}),
			event("circle.cctp.v1.DepositForBurn", map[string]string{
				"amount":             "500000",
				"destination_caller": "ZGVzdA==",
				"mint_recipient":     "bWludA==",
				"destination_domain": "0",
			}),
		}}},
	}
	adapter := chain.NewTendermintAdapter("noble-1", srv.start(t))

	params := PollParams{Chain: "noble-1", StartBlock: 100, TimeoutMs: 5000, PollIntervalMs: 10, BlockRequestDelayMs: 0}

	result := PollNobleOrbiter(context.Background(), adapter, params, OrbiterParams{
		MemoJSON:             `{"forward":true}`,
		Amount:               "500000",
		Receiver:             "noble1orbiter",
		DestinationCallerB64: "ZGVzdA==",
		MintRecipientB64:     "bWludA==",
		DestinationDomain:    "0",
	})

	if !result.Matched {
		t.Fatalf("expected a match, got %+v", result)
	}
}

func TestParseUusdcAmount_StripsSuffixAndParses(t *testing.T) {
	v, ok := parseUusdcAmount("100000uusdc")
	if !ok || v != 100000 {
		t.Fatalf("expected 100000, true; got %d, %v", v, ok)
	}
}

func TestParseUusdcAmount_RejectsNonNumeric(t *testing.T) {
	if _, ok := parseUusdcAmount("not-a-number"); ok {
		t.Fatal("expected non-numeric amount to fail to parse")
	}
}
