// Package poller implements the stateless, reentrant chain-event matchers of
// spec.md §4.2: one EVM mint watcher and three Tendermint event scanners.
package poller

import (
	"context"
	"time"
)

// UpdateFunc is the optional progress callback a poller invokes each time one
// of its independent matching conditions latches, letting the engine persist
// and publish intermediate stage observations without waiting for every
// condition to latch (e.g. Noble's coin_received and ibc_transfer latch
// independently per spec.md §4.2).
type UpdateFunc func(stage string, txHash string, blockHeight int64)

// PollParams parameterizes one poller invocation: flow id, chain, scanning
// window/timeout/interval, a cancellation signal, and per-chain matching
// parameters (carried in the concrete poller's own params struct).
type PollParams struct {
	FlowID              string
	Chain               string
	StartBlock          int64
	TimeoutMs           int64
	PollIntervalMs      int
	BlockRequestDelayMs int
	OnUpdate            UpdateFunc
}

// Deadline computes the wall-clock deadline for this poll, from now.
func (p PollParams) Deadline() time.Time {
	return time.Now().Add(time.Duration(p.TimeoutMs) * time.Millisecond)
}

// PollResult describes whether a poller found its match.
type PollResult struct {
	Matched     bool
	TxHash      string
	BlockHeight int64
	TimedOut    bool
}

// sleep is a cancellable sleep used between block fetches and tip-polls.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
