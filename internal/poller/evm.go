package poller

import (
	"context"
	"math/big"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/chain"
	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferEventSignature is keccak("Transfer(address,address,uint256)").
var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func pad32Address(addr common.Address) common.Hash {
	var h common.Hash
	copy(h[12:], addr.Bytes())
	return h
}

// UsdcMintParams carries the EVM matching parameters of spec.md §4.2's
// pollUsdcMint: an ERC-20 Transfer from the zero address to recipient on
// usdcAddress, whose value equals amountBaseUnits.
type UsdcMintParams struct {
	UsdcAddress     common.Address
	Recipient       common.Address
	AmountBaseUnits *big.Int
}

// PollUsdcMint watches for the mint-side ERC-20 Transfer event, used both
// for deposit-final EVM mint and payment EVM mint per spec.md §4.2.
func PollUsdcMint(ctx context.Context, adapter *chain.EVMAdapter, params PollParams, match UsdcMintParams) PollResult {
	deadline := params.Deadline()
	nextBlock := params.StartBlock

	zeroTopic := pad32Address(common.Address{})
	recipientTopic := pad32Address(match.Recipient)

	for {
		if ctx.Err() != nil {
			return PollResult{}
		}
		if time.Now().After(deadline) {
			return PollResult{TimedOut: true}
		}

		tip, err := adapter.GetBlockNumber(ctx)
		if err != nil {
			if !sleep(ctx, time.Duration(params.PollIntervalMs)*time.Millisecond) {
				return PollResult{}
			}
			continue
		}

		if nextBlock > int64(tip) {
			if !sleep(ctx, time.Duration(params.PollIntervalMs)*time.Millisecond) {
				return PollResult{}
			}
			continue
		}

		toBlock := int64(tip)
		logs, err := adapter.GetLogs(ctx, chain.EVMFilter{
			FromBlock: big.NewInt(nextBlock),
			ToBlock:   big.NewInt(toBlock),
			Address:   match.UsdcAddress,
			Topics:    [][]common.Hash{{transferEventSignature}, {zeroTopic}, {recipientTopic}},
		})
		metrics.PollerBlocksScanned.WithLabelValues("pollUsdcMint", params.Chain).Add(float64(toBlock - nextBlock + 1))

		if err == nil {
			for _, l := range logs {
				if matchesAmount(l, match.AmountBaseUnits) {
					metrics.PollerMatches.WithLabelValues("pollUsdcMint", params.Chain).Inc()
					return PollResult{Matched: true, TxHash: l.TxHash.Hex(), BlockHeight: int64(l.BlockNumber)}
				}
			}
		}

		nextBlock = toBlock + 1

		if time.Now().After(deadline) {
			return PollResult{TimedOut: true}
		}
		if !sleep(ctx, time.Duration(params.BlockRequestDelayMs)*time.Millisecond) {
			return PollResult{}
		}
	}
}

func matchesAmount(l gethtypes.Log, expected *big.Int) bool {
	if len(l.Data) == 0 || expected == nil {
		return false
	}
	value := new(big.Int).SetBytes(l.Data)
	return value.Cmp(expected) == 0
}
