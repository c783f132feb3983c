package poller

import (
	"context"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/chain"
)

// NamadaDepositParams carries the matching parameters for Namada's
// pollForDeposit.
type NamadaDepositParams struct {
	ForwardingAddress   string
	NamadaReceiver      string
	ExpectedAmountUusdc string
}

// PollNamadaDeposit scans Namada's end_block_events (not finalize_block_events)
// for the inner-tx-hash-carrying message event and the write_acknowledgement
// event, per spec.md §4.2's two-pass design: the inner tx hash travels on a
// separate message event, not as an attribute on write_acknowledgement.
func PollNamadaDeposit(ctx context.Context, adapter *chain.TendermintAdapter, params PollParams, match NamadaDepositParams) PollResult {
	deadline := params.Deadline()
	nextHeight := params.StartBlock

	for {
		if ctx.Err() != nil {
			return PollResult{}
		}
		if time.Now().After(deadline) {
			return PollResult{TimedOut: true}
		}

		tip, err := adapter.GetLatestBlockHeight(ctx)
		if err != nil {
			if !sleep(ctx, time.Duration(params.PollIntervalMs)*time.Millisecond) {
				return PollResult{}
			}
			continue
		}
		if nextHeight > tip {
			if !sleep(ctx, time.Duration(params.PollIntervalMs)*time.Millisecond) {
				return PollResult{}
			}
			continue
		}

		for h := nextHeight; h <= tip; h++ {
			if ctx.Err() != nil {
				return PollResult{}
			}
			if time.Now().After(deadline) {
				return PollResult{TimedOut: true}
			}

			res, err := adapter.GetBlockResults(ctx, h)
			if err != nil {
				nextHeight = h + 1
				if !sleep(ctx, time.Duration(params.BlockRequestDelayMs)*time.Millisecond) {
					return PollResult{}
				}
				continue
			}
			if res != nil {
				if innerTxHash, ok := matchNamadaBlock(res, match); ok {
					return PollResult{Matched: true, TxHash: innerTxHash, BlockHeight: h}
				}
			}

			nextHeight = h + 1
			if !sleep(ctx, time.Duration(params.BlockRequestDelayMs)*time.Millisecond) {
				return PollResult{}
			}
		}
	}
}

// matchNamadaBlock implements the two passes over one block's
// end_block_events: (a) locate the message event and read inner-tx-hash,
// (b) locate write_acknowledgement and check sender/receiver/denom/amount.
func matchNamadaBlock(res *chain.BlockResults, match NamadaDepositParams) (string, bool) {
	var innerTxHash string
	var haveInnerTxHash bool

	for _, ev := range res.EndBlockEvents {
		if ev.Type == "message" {
			if hash, ok := ev.Attr("inner-tx-hash"); ok {
				innerTxHash = hash
				haveInnerTxHash = true
			}
		}
	}
	if !haveInnerTxHash {
		return "", false
	}

	for _, ev := range res.EndBlockEvents {
		if ev.Type != "write_acknowledgement" {
			continue
		}
		ack, _ := ev.Attr("packet_ack")
		if StripQuotes(ack) != `{"result":"AQ=="}` {
			continue
		}
		packetDataRaw, ok := ev.Attr("packet_data")
		if !ok {
			continue
		}
		decoded, ok := DecodePacketData(packetDataRaw)
		if !ok {
			continue
		}
		sender, _ := PacketDataString(decoded, "sender")
		receiver, _ := PacketDataString(decoded, "receiver")
		denom, _ := PacketDataString(decoded, "denom")
		amountStr, _ := PacketDataString(decoded, "amount")

		if sender != match.ForwardingAddress || receiver != match.NamadaReceiver || denom != "uusdc" {
			continue
		}
		amount, ok := parseUusdcAmount(amountStr)
		if !ok {
			continue
		}
		expected, ok := parseUusdcAmount(match.ExpectedAmountUusdc)
		if !ok || amount != expected {
			continue
		}
		return innerTxHash, true
	}
	return "", false
}
