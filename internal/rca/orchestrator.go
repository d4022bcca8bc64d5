package rca

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/audit"
	"github.com/insightloop/insight-client/internal/db"
	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/metrics"
)

// State is the orchestrator's position in the investigation lifecycle.
type State int

const (
	StateIdle State = iota
	StateCreatingRequest
	StateStartingInvestigation
	StateInvestigating
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreatingRequest:
		return "creating_request"
	case StateStartingInvestigation:
		return "starting_investigation"
	case StateInvestigating:
		return "investigating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// terminal reports whether a fresh investigation may start from s.
func (s State) terminal() bool {
	return s == StateIdle || s == StateCompleted || s == StateFailed || s == StateCancelled
}

// OrchestratorConfig bounds the polling loop.
type OrchestratorConfig struct {
	// PollInterval is the fixed wait between status polls.
	PollInterval time.Duration

	// MaxPollIterations caps the polling loop; exhausting it raises
	// ErrTimeout.
	MaxPollIterations int

	// DefaultClientID fills requests that do not name a client config.
	DefaultClientID string
}

// backendIterationBudget is the backend's nominal iteration count, used only
// to scale the coarse progress percentage.
const backendIterationBudget = 10

// progressCeiling keeps reported progress below 100 while not complete.
const progressCeiling = 95.0

// Snapshot is a point-in-time view of the orchestrator for the UI.
type Snapshot struct {
	State     State
	RequestID string
	SessionID string
	Progress  float64
	Err       error
}

// Orchestrator drives one investigation at a time: create the request, start
// it, poll on a fixed cadence until a terminal status or the iteration
// budget, then fetch the result. Create and start failures are fatal to the
// attempt; transient poll failures are swallowed. Terminal outcomes land on
// the event bus and in the local history store.
type Orchestrator struct {
	api      API
	bus      *events.Bus
	auditLog audit.Logger
	history  db.InvestigationHistoryStore
	logger   *zap.Logger
	cfg      OrchestratorConfig

	mu        sync.Mutex
	state     State
	requestID string
	sessionID string
	progress  float64
	result    *Result
	lastErr   error
	cancel    context.CancelFunc
}

// NewOrchestrator creates an orchestrator in the idle state. auditLog and
// history may be nil.
func NewOrchestrator(cfg OrchestratorConfig, api API, bus *events.Bus, auditLog audit.Logger, history db.InvestigationHistoryStore, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollIterations == 0 {
		cfg.MaxPollIterations = 60
	}
	return &Orchestrator{
		api:      api,
		bus:      bus,
		auditLog: auditLog,
		history:  history,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run executes one full investigation and blocks until a terminal state.
// Callers run it on their own goroutine and watch the bus for progress. A
// second Run while one is in flight returns ErrAlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context, in RequestInput) (*Result, error) {
	if in.ClientID == "" {
		in.ClientID = o.cfg.DefaultClientID
	}

	o.mu.Lock()
	if !o.state.terminal() {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.state = StateCreatingRequest
	o.requestID = ""
	o.sessionID = ""
	o.progress = 0
	o.result = nil
	o.lastErr = nil
	o.cancel = cancel
	o.mu.Unlock()

	startedAt := time.Now()

	req, err := o.api.CreateRequest(runCtx, in)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, o.finishWithError(runCtx, "", in, ErrCancelled)
		}
		return nil, o.fail(runCtx, "", fmt.Errorf("create investigation request: %w", err))
	}

	o.mu.Lock()
	o.requestID = req.ID
	o.state = StateStartingInvestigation
	o.mu.Unlock()

	o.logger.Info("investigation request created",
		zap.String("request_id", req.ID),
		zap.String("priority", string(req.Priority)))
	if o.auditLog != nil {
		_ = o.auditLog.LogInvestigationStarted(runCtx, req.ID)
	}
	o.saveHistory(req.ID, in, StatusPending, nil, "")

	if _, err := o.api.StartInvestigation(runCtx, req.ID); err != nil {
		if runCtx.Err() != nil {
			return nil, o.finishWithError(runCtx, req.ID, in, ErrCancelled)
		}
		return nil, o.fail(runCtx, req.ID, fmt.Errorf("start investigation: %w", err))
	}

	o.mu.Lock()
	o.state = StateInvestigating
	o.mu.Unlock()
	o.saveHistory(req.ID, in, StatusInProgress, nil, "")

	result, iterations, err := o.poll(runCtx, req.ID)
	metrics.PollIterations.Observe(float64(iterations))
	if err != nil {
		return nil, o.finishWithError(runCtx, req.ID, in, err)
	}

	elapsed := time.Since(startedAt)
	o.mu.Lock()
	o.state = StateCompleted
	o.result = result
	o.progress = 100
	o.mu.Unlock()

	o.logger.Info("investigation completed",
		zap.String("request_id", req.ID),
		zap.String("root_cause", result.RootCause),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", elapsed))
	metrics.InvestigationsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.InvestigationDuration.Observe(elapsed.Seconds())
	if o.auditLog != nil {
		_ = o.auditLog.LogInvestigationCompleted(runCtx, req.ID, elapsed)
	}
	o.saveHistory(req.ID, in, StatusCompleted, result, "")

	o.bus.Publish(events.InvestigationCompleted, Outcome{
		RequestID:          req.ID,
		ProblemDescription: in.ProblemDescription,
		Result:             result,
		Elapsed:            elapsed,
	})
	return result, nil
}

// poll loops until the backend reports a terminal status or the iteration
// budget runs out. Iterations are strictly sequential; a fetch error inside
// an iteration is logged and the loop keeps going.
func (o *Orchestrator) poll(ctx context.Context, requestID string) (*Result, int, error) {
	for i := 1; i <= o.cfg.MaxPollIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, i - 1, ErrCancelled
		}

		req, err := o.api.GetRequest(ctx, requestID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, i, ErrCancelled
			}
			o.logger.Debug("status poll failed, will retry",
				zap.String("request_id", requestID),
				zap.Int("iteration", i),
				zap.Error(err))
		case req.Status == StatusCompleted:
			result, err := o.api.GetResult(ctx, requestID)
			if err != nil {
				return nil, i, fmt.Errorf("fetch result: %w", err)
			}
			return result, i, nil
		case req.Status == StatusFailed:
			reason := req.Error
			if reason == "" {
				reason = "investigation failed"
			}
			return nil, i, fmt.Errorf("%s", reason)
		default:
			o.publishProgress(ctx, requestID, i)
		}

		select {
		case <-ctx.Done():
			return nil, i, ErrCancelled
		case <-time.After(o.cfg.PollInterval):
		}
	}
	return nil, o.cfg.MaxPollIterations, ErrTimeout
}

// publishProgress fetches session detail for one in-progress iteration and
// publishes a coarse progress event. The session may not exist yet; that is
// not an error.
func (o *Orchestrator) publishProgress(ctx context.Context, requestID string, iteration int) {
	update := ProgressUpdate{RequestID: requestID, Iteration: iteration}

	session, err := o.api.GetSession(ctx, requestID)
	if err != nil {
		o.logger.Debug("session not available yet, continuing to poll",
			zap.String("request_id", requestID))
	} else {
		update.SessionID = session.SessionID
		update.Phase = session.Phase
		update.Iteration = session.IterationCount
		update.StatusMessage = fmt.Sprintf("Phase: %s, Iteration: %d", session.Phase, session.IterationCount)
	}

	pct := float64(update.Iteration) / backendIterationBudget * 100
	if pct > progressCeiling {
		pct = progressCeiling
	}
	update.ProgressPercentage = pct

	o.mu.Lock()
	if session != nil {
		o.sessionID = session.SessionID
	}
	o.progress = pct
	o.mu.Unlock()

	o.bus.Publish(events.InvestigationProgress, update)
}

// finishWithError routes poll-loop termination to the right terminal state.
func (o *Orchestrator) finishWithError(ctx context.Context, requestID string, in RequestInput, err error) error {
	if err == ErrCancelled {
		o.mu.Lock()
		o.state = StateCancelled
		o.lastErr = err
		o.mu.Unlock()

		o.logger.Info("investigation cancelled locally", zap.String("request_id", requestID))
		metrics.InvestigationsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		if o.auditLog != nil {
			_ = o.auditLog.LogInvestigationCancelled(context.WithoutCancel(ctx), requestID)
		}
		o.saveHistory(requestID, in, StatusCancelled, nil, "")
		return err
	}

	if err == ErrTimeout {
		if o.auditLog != nil {
			event := audit.NewEvent(audit.EventInvestigationTimeout).
				WithCorrelationID(requestID).
				WithError(err).
				WithMetadata("iterations", o.cfg.MaxPollIterations)
			_ = o.auditLog.Log(ctx, event)
		}
	}
	return o.fail(ctx, requestID, err)
}

// fail records a terminal failure and returns the error it was given.
func (o *Orchestrator) fail(ctx context.Context, requestID string, err error) error {
	o.mu.Lock()
	o.state = StateFailed
	o.lastErr = err
	o.mu.Unlock()

	o.logger.Error("investigation failed",
		zap.String("request_id", requestID),
		zap.Error(err))
	metrics.InvestigationsTotal.WithLabelValues(string(StatusFailed)).Inc()
	if o.auditLog != nil && requestID != "" {
		_ = o.auditLog.LogInvestigationFailed(ctx, requestID, err)
	}
	if requestID != "" {
		o.saveHistory(requestID, RequestInput{}, StatusFailed, nil, err.Error())
	}

	o.bus.Publish(events.InvestigationFailed, Failure{RequestID: requestID, Err: err})
	return err
}

// Cancel stops the running investigation locally. No abort is sent to the
// backend, which may finish the work anyway; the history row records that.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	running := !o.state.terminal()
	o.mu.Unlock()

	if running && cancel != nil {
		cancel()
	}
}

// Status returns a snapshot of the current investigation.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:     o.state,
		RequestID: o.requestID,
		SessionID: o.sessionID,
		Progress:  o.progress,
		Err:       o.lastErr,
	}
}

// Result returns the terminal result once the orchestrator is completed.
func (o *Orchestrator) Result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// History lists past investigations from the local store, newest first.
func (o *Orchestrator) History(ctx context.Context, limit, offset int) ([]*db.InvestigationRecord, error) {
	if o.history == nil {
		return nil, nil
	}
	return o.history.ListInvestigations(ctx, limit, offset)
}

// saveHistory upserts the local history row. History is best effort; a
// write failure is logged, never fatal to the investigation.
func (o *Orchestrator) saveHistory(requestID string, in RequestInput, status Status, result *Result, errMsg string) {
	if o.history == nil || requestID == "" {
		return
	}

	rec := &db.InvestigationRecord{
		RequestID:   requestID,
		ClientID:    in.ClientID,
		Description: in.ProblemDescription,
		Priority:    string(in.Priority),
		Status:      string(status),
		Error:       errMsg,
		CreatedAt:   time.Now().UTC(),
	}
	o.mu.Lock()
	rec.SessionID = o.sessionID
	o.mu.Unlock()
	if result != nil {
		rec.RootCause = result.RootCause
		rec.Confidence = result.Confidence
	}
	if status.Terminal() {
		rec.CompletedAt = time.Now().UTC()
	}

	if existing, err := o.history.GetInvestigation(context.Background(), requestID); err == nil {
		rec.CreatedAt = existing.CreatedAt
		if rec.Description == "" {
			rec.Description = existing.Description
		}
		if rec.Priority == "" {
			rec.Priority = existing.Priority
		}
		if rec.ClientID == "" {
			rec.ClientID = existing.ClientID
		}
	}

	if err := o.history.SaveInvestigation(context.Background(), rec); err != nil {
		o.logger.Warn("failed to persist investigation history",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
