package tracker

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/chain"
	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/events"
	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"
	"github.com/circle-fin/usdc-flow-tracker/internal/models"
	"github.com/circle-fin/usdc-flow-tracker/internal/poller"
	"github.com/circle-fin/usdc-flow-tracker/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

// Engine sequences a flow's chain pollers stage by stage per spec.md §4.3:
// ensure a start block, run the stage's poller to completion/timeout, persist
// progress, publish an event, and either advance or terminate.
type Engine struct {
	FlowRepo      repository.FlowRepository
	StatusLogRepo repository.StatusLogRepository
	Registry      config.ChainRegistry
	PollingConfig config.ChainPollingConfigs
	Bus           *events.Bus
	Supervisor    *Supervisor

	EVMAdapters        map[string]*chain.EVMAdapter
	TendermintAdapters map[string]*chain.TendermintAdapter
	NobleChainID       string
}

// NewEngine wires an Engine from its dependencies.
func NewEngine(
	flowRepo repository.FlowRepository,
	statusLogRepo repository.StatusLogRepository,
	registry config.ChainRegistry,
	pollingCfg config.ChainPollingConfigs,
	bus *events.Bus,
	supervisor *Supervisor,
	evmAdapters map[string]*chain.EVMAdapter,
	tendermintAdapters map[string]*chain.TendermintAdapter,
	nobleChainID string,
) *Engine {
	return &Engine{
		FlowRepo:           flowRepo,
		StatusLogRepo:      statusLogRepo,
		Registry:           registry,
		PollingConfig:      pollingCfg,
		Bus:                bus,
		Supervisor:         supervisor,
		EVMAdapters:        evmAdapters,
		TendermintAdapters: tendermintAdapters,
		NobleChainID:       nobleChainID,
	}
}

// stageSpec describes one poller invocation within a flow's sequence.
//
// hasSubLatches marks Noble's two-condition stages (coin_received+
// ibc_transfer, or write_acknowledgement+DepositForBurn): each condition
// reports its own stage/log through OnUpdate as it latches, so a match here
// only needs to flip the chain entry's status, not append a third log row.
// Single-condition stages (Namada's ack, EVM's mint) have no OnUpdate calls
// of their own; their one log row is written on match, named finalStageName.
type stageSpec struct {
	chainKey       models.ChainKey
	chainID        string
	baseName       string
	finalStageName string
	hasSubLatches  bool
	skip           bool
	invoke         func(ctx context.Context, pp poller.PollParams) poller.PollResult
}

// Run drives flow through its stage sequence to completion, a timeout, or a
// stage error. It returns nil once the sequence either finishes (terminal
// status recorded) or stops early because a stage timed out, was cancelled,
// or every remaining stage was skipped for missing metadata.
func (e *Engine) Run(ctx context.Context, flow *models.Flow) error {
	metrics.EngineActiveFlows.Inc()
	defer metrics.EngineActiveFlows.Dec()

	params := DeriveParams(flow)

	var stages []stageSpec
	switch flow.FlowType {
	case models.FlowTypeDeposit:
		stages = e.depositStages(flow, params)
	case models.FlowTypePayment:
		stages = e.paymentStages(flow, params)
	default:
		return fmt.Errorf("tracker: unknown flow type %q", flow.FlowType)
	}

	var lastChainKey models.ChainKey
	finalConfirmed := false
	for _, stage := range stages {
		if stage.skip {
			log.Printf("⏭️ [tracker] flow=%s stage=%s skipped: required metadata missing", flow.ID, stage.baseName)
			finalConfirmed = false
			continue
		}
		lastChainKey = stage.chainKey

		matched, err := e.runStage(ctx, flow, stage)
		if err != nil {
			e.handleStageError(ctx, flow, stage, err)
			return err
		}
		if !matched {
			return nil
		}
		finalConfirmed = true
	}

	if !finalConfirmed {
		return nil
	}
	return e.completeFlow(ctx, flow, lastChainKey)
}

func (e *Engine) depositStages(flow *models.Flow, p FlowTrackingParams) []stageSpec {
	nobleChainID := e.NobleChainID
	namadaChainID := flow.DestinationChain

	skip := p.ForwardingAddress == "" || p.ExpectedAmountUusdc == "" || p.NamadaReceiver == ""

	return []stageSpec{
		{
			chainKey:      models.ChainKeyNoble,
			chainID:       nobleChainID,
			baseName:      "noble_deposit",
			hasSubLatches: true,
			skip:          skip,
			invoke: func(ctx context.Context, pp poller.PollParams) poller.PollResult {
				return poller.PollNobleDeposit(ctx, e.TendermintAdapters[nobleChainID], pp, poller.NobleDepositParams{
					ForwardingAddress:   p.ForwardingAddress,
					ExpectedAmountUusdc: p.ExpectedAmountUusdc,
					NamadaReceiver:      p.NamadaReceiver,
				})
			},
		},
		{
			chainKey:       models.ChainKeyNamada,
			chainID:        namadaChainID,
			baseName:       "namada_deposit",
			finalStageName: poller.StageNamadaReceived,
			skip:           skip,
			invoke: func(ctx context.Context, pp poller.PollParams) poller.PollResult {
				return poller.PollNamadaDeposit(ctx, e.TendermintAdapters[namadaChainID], pp, poller.NamadaDepositParams{
					ForwardingAddress:   p.ForwardingAddress,
					NamadaReceiver:      p.NamadaReceiver,
					ExpectedAmountUusdc: p.ExpectedAmountUusdc,
				})
			},
		},
	}
}

func (e *Engine) paymentStages(flow *models.Flow, p FlowTrackingParams) []stageSpec {
	nobleChainID := e.NobleChainID
	evmChainID := flow.DestinationChain

	nobleSkip := p.MemoJSON == "" || p.AmountBaseUnits == "" || p.ForwardingAddress == "" ||
		p.DestinationCallerB64 == "" || p.MintRecipientB64 == "" || p.DestinationDomain == ""

	amount, amountOK := new(big.Int).SetString(p.AmountBaseUnits, 10)
	evmSkip := !amountOK || p.UsdcAddress == "" || p.Recipient == ""
	var usdcAddr, recipientAddr common.Address
	if !evmSkip {
		usdcAddr = common.HexToAddress(p.UsdcAddress)
		recipientAddr = common.HexToAddress(p.Recipient)
	}

	return []stageSpec{
		{
			chainKey:      models.ChainKeyNoble,
			chainID:       nobleChainID,
			baseName:      "noble_payment",
			hasSubLatches: true,
			skip:          nobleSkip,
			invoke: func(ctx context.Context, pp poller.PollParams) poller.PollResult {
				return poller.PollNobleOrbiter(ctx, e.TendermintAdapters[nobleChainID], pp, poller.OrbiterParams{
					MemoJSON:             p.MemoJSON,
					Amount:               p.AmountBaseUnits,
					Receiver:             p.ForwardingAddress,
					DestinationCallerB64: p.DestinationCallerB64,
					MintRecipientB64:     p.MintRecipientB64,
					DestinationDomain:    p.DestinationDomain,
				})
			},
		},
		{
			chainKey:       models.ChainKeyEVM,
			chainID:        evmChainID,
			baseName:       "evm_mint",
			finalStageName: "evm_mint_confirmed",
			skip:           evmSkip,
			invoke: func(ctx context.Context, pp poller.PollParams) poller.PollResult {
				return poller.PollUsdcMint(ctx, e.EVMAdapters[evmChainID], pp, poller.UsdcMintParams{
					UsdcAddress:     usdcAddr,
					Recipient:       recipientAddr,
					AmountBaseUnits: amount,
				})
			},
		},
	}
}

// runStage resolves the stage's start block, runs its poller to
// match/timeout/cancellation, and persists the outcome. It returns
// matched=true only when the caller should advance to the next stage.
func (e *Engine) runStage(ctx context.Context, flow *models.Flow, stage stageSpec) (bool, error) {
	cfg := e.PollingConfig.Get(stage.chainID)
	timeoutMs := int64(cfg.MaxDurationMin) * 60000

	startBlock, err := e.ensureStartBlock(ctx, flow, stage, cfg)
	if err != nil {
		return false, fmt.Errorf("tracker: resolving start block for %s: %w", stage.baseName, err)
	}

	e.Supervisor.RecordTimeout(flow.ID, stage.baseName, timeoutMs)
	defer e.Supervisor.ClearTimeout(flow.ID)

	pp := poller.PollParams{
		FlowID:              flow.ID,
		Chain:               stage.chainID,
		StartBlock:          startBlock,
		TimeoutMs:           timeoutMs,
		PollIntervalMs:      cfg.PollIntervalMs,
		BlockRequestDelayMs: cfg.BlockRequestDelayMs,
		OnUpdate: func(stageName, txHash string, blockHeight int64) {
			e.appendObservedStage(ctx, flow, stage.chainKey, stageName, txHash, blockHeight)
		},
	}

	start := time.Now()
	result := stage.invoke(ctx, pp)
	metrics.EngineStageDuration.WithLabelValues(string(stage.chainKey), stage.baseName).Observe(time.Since(start).Seconds())

	switch {
	case result.TimedOut:
		e.handlePollingTimeout(ctx, flow, stage, timeoutMs)
		return false, nil
	case ctx.Err() != nil:
		// Cancelled by something other than this stage's own deadline (e.g. a
		// stopFlow request): leave status untouched per the cancellation
		// semantics of spec.md §4.3 - only a stage's own timeout records
		// undetermined.
		return false, nil
	case result.Matched:
		e.confirmStage(ctx, flow, stage, result)
		return true, nil
	default:
		return false, fmt.Errorf("stage %s reported no match without timing out", stage.baseName)
	}
}

// ensureStartBlock reads a chain entry's persisted start block, or derives
// and atomically persists one the first time a stage runs: tip minus
// blockWindowBackscan, floored at zero. Once written, a start block is never
// recomputed.
func (e *Engine) ensureStartBlock(ctx context.Context, flow *models.Flow, stage stageSpec, cfg config.ChainPollingConfig) (int64, error) {
	if entry := flow.ChainProgress.Entry(stage.chainKey); entry.StartBlock != nil {
		return *entry.StartBlock, nil
	}

	tip, err := e.chainTip(ctx, stage)
	if err != nil {
		return 0, err
	}
	candidate := tip - int64(cfg.BlockWindowBackscan)
	if candidate < 0 {
		candidate = 0
	}

	var resolved int64
	err = e.FlowRepo.WithLock(ctx, flow.ID, func(tx *gorm.DB, f *models.Flow) error {
		entry := f.ChainProgress.Entry(stage.chainKey)
		if entry.StartBlock == nil {
			v := candidate
			entry.StartBlock = &v
		}
		resolved = *entry.StartBlock
		return nil
	})
	if err != nil {
		return 0, err
	}

	flow.ChainProgress.Entry(stage.chainKey).StartBlock = &resolved
	return resolved, nil
}

func (e *Engine) chainTip(ctx context.Context, stage stageSpec) (int64, error) {
	if adapter, ok := e.TendermintAdapters[stage.chainID]; ok {
		return adapter.GetLatestBlockHeight(ctx)
	}
	if adapter, ok := e.EVMAdapters[stage.chainID]; ok {
		tip, err := adapter.GetBlockNumber(ctx)
		return int64(tip), err
	}
	return 0, fmt.Errorf("no chain adapter configured for %q", stage.chainID)
}

// appendObservedStage persists one sub-condition latch (Noble's independent
// coin_received/ibc_transfer or ack/DepositForBurn events), appends its
// StatusLog row, and publishes it - the only place hasSubLatches stages
// write progress before their final match.
func (e *Engine) appendObservedStage(ctx context.Context, flow *models.Flow, chainKey models.ChainKey, stageName, txHash string, blockHeight int64) {
	now := time.Now()
	meta := map[string]string{"blockHeight": strconv.FormatInt(blockHeight, 10)}

	err := e.FlowRepo.WithLock(ctx, flow.ID, func(tx *gorm.DB, f *models.Flow) error {
		entry := f.ChainProgress.Entry(chainKey)
		entry.Stages = append(entry.Stages, models.Stage{
			Stage:      stageName,
			Status:     models.ChainEntryConfirmed,
			TxHash:     txHash,
			OccurredAt: now,
			Source:     models.StageSourcePoller,
			Metadata:   meta,
		})
		entry.LastCheckedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to persist observed stage: %v", flow.ID, stageName, err)
		return
	}

	if logErr := e.StatusLogRepo.Append(ctx, &models.StatusLog{
		FlowID:   flow.ID,
		Stage:    stageName,
		ChainKey: chainKey,
		Source:   models.StageSourcePoller,
		Detail:   models.JSONMap{"blockHeight": meta["blockHeight"]},
	}); logErr != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to append status log: %v", flow.ID, stageName, logErr)
	}

	e.Bus.Publish(events.StatusUpdate{
		FlowID:     flow.ID,
		Chain:      string(chainKey),
		Stage:      stageName,
		Status:     string(models.ChainEntryConfirmed),
		TxHash:     txHash,
		OccurredAt: now.Format(time.RFC3339),
		Source:     string(models.StageSourcePoller),
		Metadata:   meta,
	})
}

// confirmStage marks stage's chain entry confirmed. For single-condition
// stages it also appends the one Stage/StatusLog row for stage.finalStageName;
// two-condition (hasSubLatches) stages already wrote their rows via
// appendObservedStage as each condition latched.
func (e *Engine) confirmStage(ctx context.Context, flow *models.Flow, stage stageSpec, result poller.PollResult) {
	now := time.Now()
	err := e.FlowRepo.WithLock(ctx, flow.ID, func(tx *gorm.DB, f *models.Flow) error {
		entry := f.ChainProgress.Entry(stage.chainKey)
		entry.Status = models.ChainEntryConfirmed
		entry.LastCheckedAt = &now
		if result.TxHash != "" {
			entry.TxHash = result.TxHash
		}
		if !stage.hasSubLatches {
			entry.Stages = append(entry.Stages, models.Stage{
				Stage:      stage.finalStageName,
				Status:     models.ChainEntryConfirmed,
				TxHash:     result.TxHash,
				OccurredAt: now,
				Source:     models.StageSourcePoller,
				Metadata:   map[string]string{"blockHeight": strconv.FormatInt(result.BlockHeight, 10)},
			})
		}
		return nil
	})
	if err != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to persist confirmed stage: %v", flow.ID, stage.baseName, err)
		return
	}

	if !stage.hasSubLatches {
		if logErr := e.StatusLogRepo.Append(ctx, &models.StatusLog{
			FlowID:   flow.ID,
			Stage:    stage.finalStageName,
			ChainKey: stage.chainKey,
			Source:   models.StageSourcePoller,
		}); logErr != nil {
			log.Printf("❌ [tracker] flow=%s stage=%s: failed to append status log: %v", flow.ID, stage.finalStageName, logErr)
		}
	}

	e.Bus.Publish(events.StatusUpdate{
		FlowID:     flow.ID,
		Chain:      string(stage.chainKey),
		Stage:      stage.finalStageName,
		Status:     string(models.ChainEntryConfirmed),
		TxHash:     result.TxHash,
		OccurredAt: now.Format(time.RFC3339),
		Source:     string(models.StageSourcePoller),
	})

	log.Printf("✅ [tracker] flow=%s stage=%s confirmed", flow.ID, stage.baseName)
}

// handlePollingTimeout records a stage's own deadline expiring: undetermined
// status, an errorState describing the timeout, and one StatusLog/event row.
// Guarded by a fresh read-under-lock so a flow that reached a terminal
// status through some other path is never overwritten.
func (e *Engine) handlePollingTimeout(ctx context.Context, flow *models.Flow, stage stageSpec, timeoutMs int64) {
	var alreadyTerminal bool
	err := e.FlowRepo.WithLock(ctx, flow.ID, func(tx *gorm.DB, f *models.Flow) error {
		if f.Status.IsTerminal() {
			alreadyTerminal = true
			return nil
		}
		f.Status = models.FlowStatusUndetermined
		f.ErrorState = models.ErrorState{
			Reason:     "timeout",
			Stage:      stage.baseName,
			TimeoutMs:  timeoutMs,
			ElapsedMs:  timeoutMs,
			OccurredAt: time.Now(),
		}
		f.ChainProgress.Entry(stage.chainKey).Status = models.ChainEntryFailed
		return nil
	})
	if err != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to persist timeout: %v", flow.ID, stage.baseName, err)
		return
	}
	if alreadyTerminal {
		log.Printf("⚠️ [tracker] flow=%s stage=%s timed out after terminal status already set, ignoring", flow.ID, stage.baseName)
		return
	}

	metrics.EngineFlowsCompleted.WithLabelValues(string(flow.FlowType), string(models.FlowStatusUndetermined)).Inc()
	log.Printf("⏱️ [tracker] flow=%s stage=%s timed out after %dms", flow.ID, stage.baseName, timeoutMs)

	logStage := stage.baseName + "_timeout"
	if logErr := e.StatusLogRepo.Append(ctx, &models.StatusLog{
		FlowID:   flow.ID,
		Stage:    logStage,
		ChainKey: stage.chainKey,
		Source:   models.StageSourcePoller,
		Detail:   models.JSONMap{"status": "failed", "reason": "timeout"},
	}); logErr != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to append timeout log: %v", flow.ID, logStage, logErr)
	}

	e.Bus.Publish(events.StatusUpdate{
		FlowID:     flow.ID,
		Chain:      string(stage.chainKey),
		Stage:      logStage,
		Status:     string(models.FlowStatusUndetermined),
		OccurredAt: time.Now().Format(time.RFC3339),
		Source:     string(models.StageSourcePoller),
	})
}

// handleStageError records a non-timeout stage failure (e.g. a poller
// reporting no match without its own deadline passing, or a start-block
// resolution error) as a failed flow, under the same terminal-status guard
// as handlePollingTimeout.
func (e *Engine) handleStageError(ctx context.Context, flow *models.Flow, stage stageSpec, stageErr error) {
	var alreadyTerminal bool
	err := e.FlowRepo.WithLock(ctx, flow.ID, func(tx *gorm.DB, f *models.Flow) error {
		if f.Status.IsTerminal() {
			alreadyTerminal = true
			return nil
		}
		f.Status = models.FlowStatusFailed
		f.ErrorState = models.ErrorState{
			Reason:     "stage_error",
			Stage:      stage.baseName,
			Error:      stageErr.Error(),
			OccurredAt: time.Now(),
		}
		f.ChainProgress.Entry(stage.chainKey).Status = models.ChainEntryFailed
		return nil
	})
	if err != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to persist stage error: %v", flow.ID, stage.baseName, err)
		return
	}
	if alreadyTerminal {
		return
	}

	level := "❌"
	if strings.Contains(stageErr.Error(), "timeout") || strings.Contains(stageErr.Error(), "no match") {
		level = "⚠️"
	}
	log.Printf("%s [tracker] flow=%s stage=%s: %v", level, flow.ID, stage.baseName, stageErr)

	metrics.EngineFlowsCompleted.WithLabelValues(string(flow.FlowType), string(models.FlowStatusFailed)).Inc()

	logStage := stage.baseName + "_failed"
	if logErr := e.StatusLogRepo.Append(ctx, &models.StatusLog{
		FlowID:   flow.ID,
		Stage:    logStage,
		ChainKey: stage.chainKey,
		Source:   models.StageSourcePoller,
		Detail:   models.JSONMap{"error": stageErr.Error()},
	}); logErr != nil {
		log.Printf("❌ [tracker] flow=%s stage=%s: failed to append failure log: %v", flow.ID, logStage, logErr)
	}

	e.Bus.Publish(events.StatusUpdate{
		FlowID:     flow.ID,
		Chain:      string(stage.chainKey),
		Stage:      logStage,
		Status:     string(models.FlowStatusFailed),
		Message:    stageErr.Error(),
		OccurredAt: time.Now().Format(time.RFC3339),
		Source:     string(models.StageSourcePoller),
	})
}

// completeFlow marks flow completed once every stage has confirmed, guarded
// by the same re-read-under-lock terminal check.
func (e *Engine) completeFlow(ctx context.Context, flow *models.Flow, lastChainKey models.ChainKey) error {
	var alreadyTerminal bool
	err := e.FlowRepo.WithLock(ctx, flow.ID, func(tx *gorm.DB, f *models.Flow) error {
		if f.Status.IsTerminal() {
			alreadyTerminal = true
			return nil
		}
		f.Status = models.FlowStatusCompleted
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracker: completing flow %s: %w", flow.ID, err)
	}
	if alreadyTerminal {
		return nil
	}

	metrics.EngineFlowsCompleted.WithLabelValues(string(flow.FlowType), string(models.FlowStatusCompleted)).Inc()

	e.Bus.Publish(events.StatusUpdate{
		FlowID:     flow.ID,
		Chain:      string(lastChainKey),
		Stage:      "completed",
		Status:     string(models.FlowStatusCompleted),
		OccurredAt: time.Now().Format(time.RFC3339),
		Source:     string(models.StageSourceClient),
	})
	log.Printf("✅ [tracker] flow=%s completed", flow.ID)
	return nil
}
