// Package queue implements the Queue Processor: the scheduler tick that
// leases QUEUED responses, dispatches them to the LLM RPC under bounded
// concurrency, and reaps stuck PROCESSING rows.
//
// Grounded on the teacher's worker/pool.go Pool/Worker pair — a
// fixed-size goroutine pool pulling jobs off a queue with per-job timeout
// and explicit Mark/Complete/Fail transitions — generalized from a
// generic queue-name-keyed pool into one scheduler loop per ANALYZING
// batch, all sharing a single bounded-concurrency semaphore and leasing
// directly from the Work store via FOR UPDATE SKIP LOCKED instead of a
// separate broker.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prodogs/docbatch/batch"
	"github.com/prodogs/docbatch/cache"
	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/config"
	"github.com/prodogs/docbatch/connection"
	"github.com/prodogs/docbatch/llmclient"
	"github.com/prodogs/docbatch/workstore"
)

// Config tunes the processor's scheduling behavior (§4.7).
type Config struct {
	PollInterval       time.Duration
	MaxConcurrent      int
	TaskTimeout        time.Duration
	StuckSweepInterval time.Duration
}

// DefaultConfig mirrors the original's pydantic_ai_queue_processor.py
// defaults, overridable via direct environment variables (DOCBATCH_QUEUE_*)
// for callers that embed the processor without the cli package's
// cobra/viper wiring.
func DefaultConfig() Config {
	env := config.NewEnvConfig("DOCBATCH_QUEUE")
	return Config{
		PollInterval:       env.GetDuration("POLL_INTERVAL", 5*time.Second),
		MaxConcurrent:      env.GetInt("MAX_CONCURRENT", 30),
		TaskTimeout:        env.GetDuration("TASK_TIMEOUT", 30*time.Minute),
		StuckSweepInterval: env.GetDuration("STUCK_SWEEP_INTERVAL", 60*time.Second),
	}
}

// Processor is the bounded-concurrency dispatch loop for one or more
// ANALYZING batches.
type Processor struct {
	cfg       Config
	catalogDB *catalog.DB
	workDB    *workstore.DB
	batches   *batch.Service
	client    *llmclient.Client
	breaker   *cache.Breaker
	active    *cache.ActiveTasks
	log       *logrus.Entry

	sem      chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu             sync.Mutex
	runningBatches map[uint]bool
}

// New builds a Processor.
func New(cfg Config, catalogDB *catalog.DB, workDB *workstore.DB, batches *batch.Service, client *llmclient.Client, breaker *cache.Breaker, active *cache.ActiveTasks, log *logrus.Entry) *Processor {
	return &Processor{
		cfg:            cfg,
		catalogDB:      catalogDB,
		workDB:         workDB,
		batches:        batches,
		client:         client,
		breaker:        breaker,
		active:         active,
		log:            log,
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		stopChan:       make(chan struct{}),
		runningBatches: make(map[uint]bool),
	}
}

// Start launches the scheduler tick for one ANALYZING batch. Calling it
// again for a batch already running is a no-op.
func (p *Processor) Start(ctx context.Context, batchID uint) {
	p.mu.Lock()
	if p.runningBatches[batchID] {
		p.mu.Unlock()
		return
	}
	p.runningBatches[batchID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.schedulerLoop(ctx, batchID)
}

// StartReaper launches the stuck-task sweep, independent of any single batch.
func (p *Processor) StartReaper(ctx context.Context) {
	p.wg.Add(1)
	go p.reaperLoop(ctx)
}

// Stop signals every loop to exit and waits for in-flight dispatches to
// drain. The wait has no deadline of its own; each dispatch is bounded only
// by its TaskTimeout.
func (p *Processor) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Processor) schedulerLoop(ctx context.Context, batchID uint) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			if done := p.tick(ctx, batchID); done {
				return
			}
		}
	}
}

func (p *Processor) reaperLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.TaskTimeout)
			n, err := p.workDB.TimeoutStaleProcessing(ctx, cutoff)
			if err != nil {
				p.log.WithError(err).Error("stuck-task sweep failed")
				continue
			}
			if n > 0 {
				p.log.WithField("count", n).Warn("reaped stuck processing responses")
			}
		}
	}
}

// tick leases as many QUEUED responses as there are free concurrency slots,
// dispatches each asynchronously, and checks whether the batch has finished.
// Returns true once the batch has completed and no further ticks are needed.
func (p *Processor) tick(ctx context.Context, batchID uint) bool {
	limit := cap(p.sem) - len(p.sem)
	if limit <= 0 {
		return false
	}

	leased, err := p.workDB.LeaseResponses(ctx, batchID, limit)
	if err != nil {
		p.log.WithError(err).WithField("batch_id", batchID).Error("failed to lease responses")
		return false
	}

	for _, r := range leased {
		p.sem <- struct{}{}
		p.wg.Add(1)
		go p.dispatch(ctx, r)
	}

	if len(leased) == 0 {
		completed, err := p.batches.FanIn(ctx, batchID)
		if err != nil {
			p.log.WithError(err).WithField("batch_id", batchID).Error("fan-in check failed")
			return false
		}
		if completed {
			p.log.WithField("batch_id", batchID).Info("batch completed")
			p.mu.Lock()
			delete(p.runningBatches, batchID)
			p.mu.Unlock()
			return true
		}
	}
	return false
}

func (p *Processor) dispatch(ctx context.Context, r workstore.Response) {
	defer func() { <-p.sem }()
	defer p.wg.Done()

	taskID := ""
	if r.TaskID != nil {
		taskID = *r.TaskID
	}
	deadline := time.Now().Add(p.cfg.TaskTimeout)
	p.active.Mark(ctx, taskID, deadline)
	defer p.active.Clear(ctx, taskID)

	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	snap, err := connection.ParseSnapshot(r.ConnectionSnapshot)
	if err != nil {
		p.failResponse(ctx, r, "decode connection snapshot: "+err.Error())
		return
	}

	state, allowed, err := p.breaker.Allow(dispatchCtx, r.ConnectionID)
	if err != nil {
		p.log.WithError(err).WithField("connection_id", r.ConnectionID).Warn("breaker check failed, allowing dispatch")
	} else if !allowed {
		p.failResponse(ctx, r, fmt.Sprintf("circuit breaker %s for connection %d", state, r.ConnectionID))
		return
	}

	documentBase64, promptText, err := p.loadPayload(dispatchCtx, r)
	if err != nil {
		p.failResponse(ctx, r, err.Error())
		return
	}

	apiKey, err := p.resolveAPIKey(dispatchCtx, r.ConnectionID)
	if err != nil {
		p.log.WithError(err).WithField("connection_id", r.ConnectionID).Warn("failed to resolve api key, dispatching without one")
	}
	cfg := snap.WithAPIKey(apiKey)

	accepted, err := p.client.Accept(dispatchCtx, cfg, promptText, documentBase64, map[string]interface{}{
		"batch_id":    r.BatchID,
		"document_id": r.DocumentID,
	})
	if err != nil {
		p.breaker.RecordFailure(ctx, r.ConnectionID)
		p.failResponse(ctx, r, err.Error())
		return
	}
	if err := p.workDB.RecordRemoteTask(ctx, r.ID, accepted.TaskID); err != nil {
		p.log.WithError(err).WithField("response_id", r.ID).Warn("failed to record remote task handle")
	}

	poll, err := p.pollUntilTerminal(dispatchCtx, cfg, accepted.TaskID)
	if err != nil {
		p.breaker.RecordFailure(ctx, r.ConnectionID)
		p.failResponse(ctx, r, err.Error())
		return
	}

	if poll.Status == llmclient.RemoteFailed {
		p.breaker.RecordFailure(ctx, r.ConnectionID)
		msg := poll.ErrorMessage
		if msg == "" {
			msg = "llm rpc reported terminal status FAILED"
		}
		p.failResponse(ctx, r, msg)
		return
	}

	p.breaker.RecordSuccess(ctx, r.ConnectionID)
	var result llmclient.Result
	if len(poll.Results) > 0 {
		result = poll.Results[0]
	}
	if err := p.workDB.CompleteResponse(ctx, r.ID, result.ResponseText, result.ResponseJSON,
		result.InputTokens, result.OutputTokens, result.TimeTakenSeconds, poll.OverallScore()); err != nil {
		p.log.WithError(err).WithField("response_id", r.ID).Error("failed to record completed response")
	}
}

// pollUntilTerminal repeatedly polls the LLM RPC's remote status for one
// in-flight task until it reaches COMPLETED or FAILED, or dispatchCtx (bound
// by task_timeout) expires (§4.7 "Polling").
func (p *Processor) pollUntilTerminal(ctx context.Context, cfg connection.WireConfig, taskID string) (*llmclient.PollResponse, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		poll, err := p.client.Poll(ctx, cfg, taskID)
		if err != nil {
			return nil, err
		}
		if poll.Status == llmclient.RemoteCompleted || poll.Status == llmclient.RemoteFailed {
			return poll, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) failResponse(ctx context.Context, r workstore.Response, reason string) {
	if err := p.workDB.FailResponse(ctx, r.ID, reason); err != nil {
		p.log.WithError(err).WithField("response_id", r.ID).Error("failed to record failed response")
	}
}

// loadPayload resolves a leased response's document body (from its
// document-scoped encoded body) and prompt text (from the Catalog store).
func (p *Processor) loadPayload(ctx context.Context, r workstore.Response) (documentBase64, promptText string, err error) {
	body, err := p.workDB.GetEncodedBody(ctx, workstore.EncodedBodyKey(r.DocumentID))
	if err != nil {
		return "", "", fmt.Errorf("load encoded body for document %d: %w", r.DocumentID, err)
	}
	prompt, err := p.catalogDB.GetPrompt(ctx, r.PromptID)
	if err != nil {
		return "", "", fmt.Errorf("load prompt %d: %w", r.PromptID, err)
	}
	return body.ContentBase64, prompt.Text, nil
}

// resolveAPIKey fetches a connection's secret fresh from the Catalog store
// at dispatch time; it is never read from the frozen Response snapshot.
func (p *Processor) resolveAPIKey(ctx context.Context, connectionID uint) (string, error) {
	conn, err := p.catalogDB.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return conn.APIKeySecret, nil
}
