package poller

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/chain"
	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"
)

const (
	StageNobleCCTPMinted    = "noble_cctp_minted"
	StageNobleIBCForwarded  = "noble_ibc_forwarded"
	StageNoblePaymentRecv   = "noble_payment_received"
	StageNobleCCTPBurned    = "noble_cctp_burned"
	StageNamadaReceived     = "namada_received"
)

// NobleDepositParams carries the matching parameters for Noble's
// pollForDeposit (EVM->Noble->Namada deposits).
type NobleDepositParams struct {
	ForwardingAddress   string
	ExpectedAmountUusdc string
	NamadaReceiver      string
}

// PollNobleDeposit scans two independent conditions - coin_received and
// ibc_transfer - latching each as it fires, per spec.md §4.2. Both must
// latch before the poller reports a match; each latch fires params.OnUpdate
// immediately so the engine can append its stage without waiting for the
// other condition.
func PollNobleDeposit(ctx context.Context, adapter *chain.TendermintAdapter, params PollParams, match NobleDepositParams) PollResult {
	var coinReceivedLatched, ibcTransferLatched bool
	var lastHeight int64

	scan := func(height int64, res *chain.BlockResults) bool {
		if res == nil {
			return false
		}
		if !coinReceivedLatched {
		txLoop:
			for _, tr := range res.TxsResults {
				for _, ev := range tr.Events {
					if ev.Type != "coin_received" {
						continue
					}
					receiver, _ := ev.Attr("receiver")
					amount, _ := ev.Attr("amount")
					if StripQuotes(receiver) == match.ForwardingAddress && StripQuotes(amount) == match.ExpectedAmountUusdc {
						coinReceivedLatched = true
						lastHeight = height
						if params.OnUpdate != nil {
							params.OnUpdate(StageNobleCCTPMinted, "", height)
						}
						break txLoop
					}
				}
			}
		}
		if !ibcTransferLatched {
			for _, ev := range res.FinalizeBlockEvents {
				if ev.Type != "ibc_transfer" {
					continue
				}
				sender, _ := ev.Attr("sender")
				receiver, _ := ev.Attr("receiver")
				denom, _ := ev.Attr("denom")
				if StripQuotes(sender) == match.ForwardingAddress &&
					StripQuotes(receiver) == match.NamadaReceiver &&
					StripQuotes(denom) == "uusdc" {
					ibcTransferLatched = true
					lastHeight = height
					if params.OnUpdate != nil {
						params.OnUpdate(StageNobleIBCForwarded, "", height)
					}
				}
			}
		}
		return coinReceivedLatched && ibcTransferLatched
	}

	matchedHeight := scanTendermint(ctx, adapter, params, "pollForDeposit", scan)
	if coinReceivedLatched && ibcTransferLatched {
		if matchedHeight == 0 {
			matchedHeight = lastHeight
		}
		return PollResult{Matched: true, BlockHeight: matchedHeight}
	}
	if ctx.Err() != nil {
		return PollResult{}
	}
	return PollResult{TimedOut: true}
}

// OrbiterParams carries the matching parameters for Noble's pollForOrbiter
// (Namada->Noble->EVM payments).
type OrbiterParams struct {
	MemoJSON             string
	Amount               string
	Receiver             string
	DestinationCallerB64 string
	MintRecipientB64     string
	DestinationDomain    string
}

// PollNobleOrbiter scans for a successful IBC ack (write_acknowledgement)
// and a matching circle.cctp.v1.DepositForBurn event, latching each
// independently, per spec.md §4.2.
func PollNobleOrbiter(ctx context.Context, adapter *chain.TendermintAdapter, params PollParams, match OrbiterParams) PollResult {
	var ackLatched, burnLatched bool
	var lastHeight int64

	scan := func(height int64, res *chain.BlockResults) bool {
		if res == nil {
			return false
		}
		for _, tr := range res.TxsResults {
			for _, ev := range tr.Events {
				switch ev.Type {
				case "write_acknowledgement":
					if ackLatched {
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
					memo, _ := PacketDataString(decoded, "memo")
					amount, _ := PacketDataString(decoded, "amount")
					receiver, _ := PacketDataString(decoded, "receiver")
					if memo == match.MemoJSON && amount == match.Amount && receiver == match.Receiver {
						ackLatched = true
						lastHeight = height
						if params.OnUpdate != nil {
							params.OnUpdate(StageNoblePaymentRecv, "", height)
						}
					}
				case "circle.cctp.v1.DepositForBurn":
					if burnLatched {
						continue
					}
					amount, _ := ev.Attr("amount")
					destCaller, _ := ev.Attr("destination_caller")
					mintRecipient, _ := ev.Attr("mint_recipient")
					destDomain, _ := ev.Attr("destination_domain")
					if StripQuotes(amount) == match.Amount &&
						StripQuotes(destCaller) == match.DestinationCallerB64 &&
						StripQuotes(mintRecipient) == match.MintRecipientB64 &&
						StripQuotes(destDomain) == match.DestinationDomain {
						burnLatched = true
						lastHeight = height
						if params.OnUpdate != nil {
							params.OnUpdate(StageNobleCCTPBurned, "", height)
						}
					}
				}
			}
		}
		return ackLatched && burnLatched
	}

	matchedHeight := scanTendermint(ctx, adapter, params, "pollForOrbiter", scan)
	if ackLatched && burnLatched {
		if matchedHeight == 0 {
			matchedHeight = lastHeight
		}
		return PollResult{Matched: true, BlockHeight: matchedHeight}
	}
	if ctx.Err() != nil {
		return PollResult{}
	}
	return PollResult{TimedOut: true}
}

// scanTendermint implements the general scanning protocol of spec.md §4.2
// shared by every Tendermint poller: read the tip, walk nextHeight..tip,
// sleep blockRequestDelayMs between block fetches and intervalMs between
// tip-polls when caught up, terminate early on match/deadline/cancellation.
// scanFn returns true once its own match conditions are satisfied, at which
// point scanning stops early. Returns the height at which match conditions
// became true (or 0).
func scanTendermint(ctx context.Context, adapter *chain.TendermintAdapter, params PollParams, pollerName string, scanFn func(height int64, res *chain.BlockResults) bool) int64 {
	deadline := params.Deadline()
	nextHeight := params.StartBlock
	var lastMatchedHeight int64

	for {
		if ctx.Err() != nil {
			return lastMatchedHeight
		}
		if time.Now().After(deadline) {
			return lastMatchedHeight
		}

		tip, err := adapter.GetLatestBlockHeight(ctx)
		if err != nil {
			if !sleep(ctx, time.Duration(params.PollIntervalMs)*time.Millisecond) {
				return lastMatchedHeight
			}
			continue
		}

		if nextHeight > tip {
			if !sleep(ctx, time.Duration(params.PollIntervalMs)*time.Millisecond) {
				return lastMatchedHeight
			}
			continue
		}

		for h := nextHeight; h <= tip; h++ {
			if ctx.Err() != nil {
				return lastMatchedHeight
			}
			if time.Now().After(deadline) {
				return lastMatchedHeight
			}

			res, err := adapter.GetBlockResults(ctx, h)
			metrics.PollerBlocksScanned.WithLabelValues(pollerName, params.Chain).Inc()
			if err != nil {
				// transient error after retries exhausted at the adapter layer:
				// log and advance, do not stall the scan.
				nextHeight = h + 1
				if !sleep(ctx, time.Duration(params.BlockRequestDelayMs)*time.Millisecond) {
					return lastMatchedHeight
				}
				continue
			}

			if res != nil && scanFn(h, res) {
				metrics.PollerMatches.WithLabelValues(pollerName, params.Chain).Inc()
				lastMatchedHeight = h
				nextHeight = h + 1
				return lastMatchedHeight
			}

			nextHeight = h + 1
			if !sleep(ctx, time.Duration(params.BlockRequestDelayMs)*time.Millisecond) {
				return lastMatchedHeight
			}
		}
	}
}

// parseUusdcAmount strips an optional "uusdc" suffix and parses the numeric
// part, for the amount-equality checks used across Noble/Namada pollers.
func parseUusdcAmount(s string) (int64, bool) {
	trimmed := strings.TrimSuffix(StripQuotes(s), "uusdc")
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
