// Package queue implements the durable job backend behind the env-var name
// REDIS_URL: a NATS JetStream stream carrying one job per tracked flow,
// grounded on the teacher's internal/clients/nats_client.go connection and
// stream-bootstrap pattern, generalized from its zkpay.* event subjects to a
// single flow-tracking job subject.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"
	"github.com/circle-fin/usdc-flow-tracker/internal/models"
	"github.com/circle-fin/usdc-flow-tracker/internal/repository"
	"github.com/circle-fin/usdc-flow-tracker/internal/tracker"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const (
	streamName   = "FLOWTRACKER_JOBS"
	subject      = "flowtracker.jobs.track"
	consumerName = "flowtracker-worker"

	maxConcurrentJobs = 5
	jobsPerSecond     = 10
)

// Job is the payload carried on the queue: enough to re-load and re-run a
// flow's tracking engine. It intentionally carries no matching parameters of
// its own - those are derived fresh from the flow row each time, so a
// replayed or resumed job always reflects the flow's latest metadata.
// JobID follows spec.md §4.5/§8: a plain enqueue gets track-<flowId>-<now>,
// a resume-on-startup enqueue gets resume-<flowId>-<now>.
type Job struct {
	JobID      string `json:"jobId"`
	FlowID     string `json:"flowId"`
	FlowType   string `json:"flowType"`
	EnqueuedAt string `json:"enqueuedAt"`
}

// Worker drives flow jobs off a NATS JetStream stream: bounded concurrency,
// a token-bucket rate limit, and at-least-once delivery with redelivery on
// crash.
type Worker struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	flowRepo repository.FlowRepository
	engine   *tracker.Engine
	sup      *tracker.Supervisor

	limiter *rate.Limiter
	slots   chan struct{}
}

// NewWorker dials url, ensures the job stream exists, and returns a ready
// Worker. It does not start consuming until Start is called.
func NewWorker(url string, flowRepo repository.FlowRepository, engine *tracker.Engine, sup *tracker.Supervisor) (*Worker, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ [queue] disconnected: %v", err)
			metrics.QueueConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ [queue] reconnected")
			metrics.QueueConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	w := &Worker{
		conn:     conn,
		js:       js,
		flowRepo: flowRepo,
		engine:   engine,
		sup:      sup,
		limiter:  rate.NewLimiter(rate.Limit(jobsPerSecond), jobsPerSecond),
		slots:    make(chan struct{}, maxConcurrentJobs),
	}

	if err := w.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	metrics.QueueConnectionStatus.Set(1)
	return w, nil
}

func (w *Worker) ensureStream() error {
	if _, err := w.js.StreamInfo(streamName); err == nil {
		return nil
	}

	_, err := w.js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxMsgs:   100_000,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("queue: creating stream %s: %w", streamName, err)
	}
	log.Printf("✅ [queue] stream %s created", streamName)
	return nil
}

// Enqueue publishes one job for flowID. Re-enqueuing an already-terminal or
// already-queued flow is harmless: the handler re-checks status before
// doing any work.
func (w *Worker) Enqueue(flowID string, flowType models.FlowType) error {
	jobID := fmt.Sprintf("track-%s-%d", flowID, time.Now().UnixNano())
	return w.publish(jobID, flowID, flowType)
}

// EnqueueDelayed schedules a job to be published after delay, used by resume
// to give a restarted process a moment to finish dialing its chain adapters
// before the first job lands. The published job id is resume-<flowId>-<now>
// per spec.md §4.5's resume algorithm, distinguishing it in logs/metrics from
// a plain Enqueue.
func (w *Worker) EnqueueDelayed(flowID string, flowType models.FlowType, delay time.Duration) {
	time.AfterFunc(delay, func() {
		jobID := fmt.Sprintf("resume-%s-%d", flowID, time.Now().UnixNano())
		if err := w.publish(jobID, flowID, flowType); err != nil {
			log.Printf("❌ [queue] delayed enqueue job=%s flow=%s failed: %v", jobID, flowID, err)
		}
	})
}

// publish marshals and sends a job carrying the given jobID.
func (w *Worker) publish(jobID, flowID string, flowType models.FlowType) error {
	job := Job{JobID: jobID, FlowID: flowID, FlowType: string(flowType), EnqueuedAt: time.Now().Format(time.RFC3339)}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job=%s: %w", jobID, err)
	}
	if _, err := w.js.Publish(subject, data); err != nil {
		return fmt.Errorf("queue: publish job=%s: %w", jobID, err)
	}
	metrics.QueueJobsEnqueued.WithLabelValues(string(flowType)).Inc()
	return nil
}

// Start subscribes a durable pull consumer and dispatches messages to
// handleJob under the worker's concurrency and rate limits. It blocks until
// ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.js.PullSubscribe(subject, consumerName, nats.AckExplicit(), nats.MaxDeliver(3))
	if err != nil {
		return fmt.Errorf("queue: pull subscribe: %w", err)
	}

	log.Printf("🚀 [queue] worker started, consumer=%s", consumerName)

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := sub.Fetch(maxConcurrentJobs, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			log.Printf("❌ [queue] fetch error: %v", err)
			continue
		}

		for _, msg := range msgs {
			m := msg
			select {
			case w.slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			go func() {
				defer func() { <-w.slots }()
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
				w.handleJob(ctx, m)
			}()
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, msg *nats.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Printf("❌ [queue] malformed job, dropping: %v", err)
		_ = msg.Ack()
		return
	}

	start := time.Now()
	defer func() {
		metrics.QueueJobDuration.WithLabelValues(job.FlowType).Observe(time.Since(start).Seconds())
	}()

	// nak asks JetStream to redeliver after an exponential delay: 2s after
	// the first delivery, doubling with each further delivery.
	nak := func() {
		delay := 2 * time.Second
		if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
			delay <<= meta.NumDelivered - 1
		}
		_ = msg.NakWithDelay(delay)
	}

	flow, err := w.flowRepo.GetByID(ctx, job.FlowID)
	if err != nil {
		log.Printf("❌ [queue] job=%s flow=%s: load failed: %v", job.JobID, job.FlowID, err)
		metrics.QueueJobsFailed.WithLabelValues(job.FlowType, "load_error").Inc()
		nak()
		return
	}
	if flow.Status.IsTerminal() {
		_ = msg.Ack()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.sup.Start(flow.ID, cancel)
	defer w.sup.Finish(flow.ID)

	if err := w.engine.Run(runCtx, flow); err != nil {
		log.Printf("❌ [queue] job=%s flow=%s: engine run failed: %v", job.JobID, flow.ID, err)
		metrics.QueueJobsFailed.WithLabelValues(job.FlowType, "engine_error").Inc()
		nak()
		return
	}

	metrics.QueueJobsProcessed.WithLabelValues(job.FlowType).Inc()
	_ = msg.Ack()
}

// ResumeUnfinished re-enqueues every non-terminal flow at startup, per
// spec.md §4.5: a process that crashed mid-stage picks up exactly where its
// persisted chainProgress left off, since ensureStartBlock never recomputes
// a start block that is already set.
func (w *Worker) ResumeUnfinished(ctx context.Context) error {
	flows, err := w.flowRepo.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("queue: listing non-terminal flows: %w", err)
	}
	for _, f := range flows {
		w.EnqueueDelayed(f.ID, f.FlowType, time.Second)
	}
	log.Printf("🔄 [queue] resumed %d non-terminal flow(s)", len(flows))
	return nil
}

// Close releases the NATS connection.
func (w *Worker) Close() {
	if w.conn != nil {
		w.conn.Close()
	}
}
