// Package controller drives queued protocol requests to SAS: claim, merge,
// trust check, send, correlate and commit, once per message type per cycle.
// Replicas coordinate only through row locks in the shared database.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainproxy/pkg/models"
	"domainproxy/pkg/processor"
	"domainproxy/pkg/queue"
	"domainproxy/pkg/sas"
	"domainproxy/pkg/telemetry"
	"domainproxy/pkg/trust"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Stage string

const (
	StageIdle        Stage = "idle"
	StageClaiming    Stage = "claiming"
	StageMerging     Stage = "merging"
	StageTrustCheck  Stage = "trust_check"
	StageSending     Stage = "sending"
	StageCorrelating Stage = "correlating"
	StageCommitting  Stage = "committing"
	StageDone        Stage = "done"
)

// Failure kinds. Every kind leaves the batch's rows pending again.
const (
	FailureStore       = "store"
	FailureTrust       = "trust"
	FailureTransport   = "transport"
	FailureCorrelation = "correlation"
)

// DB is a pgx pool: it runs the short release and sweep statements directly
// and opens the claim and correlation transactions.
type DB interface {
	queue.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type WorkQueue interface {
	Claim(ctx context.Context, q queue.Querier, t models.RequestType, limit int) ([]models.Request, error)
	MarkClaimed(ctx context.Context, q queue.Querier, rows []models.Request, token string) error
	Release(ctx context.Context, q queue.Querier, token string) (int64, error)
	RequeueStale(ctx context.Context, q queue.Querier, olderThan time.Duration) (int64, error)
}

// Sender posts one merged batch and returns SAS's response items in order.
type Sender interface {
	Send(ctx context.Context, t models.RequestType, payloads []json.RawMessage) ([]json.RawMessage, error)
}

// Gate decides whether SAS may be contacted at all this cycle.
type Gate interface {
	Check(ctx context.Context) error
}

type Correlator interface {
	Correlate(ctx context.Context, st processor.Store, t models.RequestType, sent []models.Request, responses []json.RawMessage) (processor.Result, error)
}

type Recorder interface {
	ObserveStage(requestType, stage, outcome string, d time.Duration)
	AddClaimed(requestType string, n int)
	ObserveCorrelation(requestType string, matched, failed, dropped int)
	IncFailure(requestType, kind string)
	AddRequeued(n int64)
}

type Options struct {
	DB         DB
	Queue      WorkQueue
	Sender     Sender
	Gate       Gate
	Correlator Correlator
	// StoreFor binds the domain repository to the correlation transaction.
	StoreFor func(pgx.Tx) processor.Store

	Interval time.Duration
	// Limit caps rows claimed per type per cycle; 0 is unbounded.
	Limit           int
	CycleTimeout    time.Duration
	InFlightTimeout time.Duration
	Types           []models.RequestType

	Logger   *zap.Logger
	Recorder Recorder
	Tracer   oteltrace.Tracer
	NewID    func() string
	Now      func() time.Time
}

type Controller struct {
	db              DB
	queue           WorkQueue
	sender          Sender
	gate            Gate
	correlator      Correlator
	storeFor        func(pgx.Tx) processor.Store
	interval        time.Duration
	limit           int
	cycleTimeout    time.Duration
	inFlightTimeout time.Duration
	types           []models.RequestType
	logger          *zap.Logger
	recorder        Recorder
	tracer          oteltrace.Tracer
	newID           func() string
	now             func() time.Time
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.DB == nil:
		return nil, errors.New("controller: db required")
	case opts.Queue == nil:
		return nil, errors.New("controller: work queue required")
	case opts.Sender == nil:
		return nil, errors.New("controller: sas sender required")
	case opts.Correlator == nil:
		return nil, errors.New("controller: correlator required")
	case opts.StoreFor == nil:
		return nil, errors.New("controller: store binding required")
	case opts.Limit < 0:
		return nil, fmt.Errorf("controller: negative limit %d", opts.Limit)
	}
	c := &Controller{
		db:              opts.DB,
		queue:           opts.Queue,
		sender:          opts.Sender,
		gate:            opts.Gate,
		correlator:      opts.Correlator,
		storeFor:        opts.StoreFor,
		interval:        opts.Interval,
		limit:           opts.Limit,
		cycleTimeout:    opts.CycleTimeout,
		inFlightTimeout: opts.InFlightTimeout,
		types:           opts.Types,
		logger:          opts.Logger,
		recorder:        opts.Recorder,
		tracer:          opts.Tracer,
		newID:           opts.NewID,
		now:             opts.Now,
	}
	if c.interval <= 0 {
		c.interval = 10 * time.Second
	}
	if c.cycleTimeout <= 0 {
		c.cycleTimeout = 30 * time.Second
	}
	if c.inFlightTimeout <= 0 {
		c.inFlightTimeout = 2 * time.Minute
	}
	if len(c.types) == 0 {
		c.types = models.AllRequestTypes
	}
	for _, t := range c.types {
		if !t.Valid() {
			return nil, fmt.Errorf("controller: unknown request type %v", t)
		}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer("domainproxy/controller")
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.NewString() }
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Run executes a cycle immediately and then every interval until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Cycle(ctx)
		}
	}
}

type TypeReport struct {
	Type    models.RequestType
	Claimed int
	// Stage is the last stage reached; StageDone after a commit.
	Stage  Stage
	Result processor.Result
	// Kind classifies Err.
	Kind string
	Err  error
}

type CycleReport struct {
	ID       string
	Requeued int64
	Types    []TypeReport
}

// Cycle sweeps stale claims and then processes every message type
// concurrently. Failures stay inside their type's report.
func (c *Controller) Cycle(ctx context.Context) CycleReport {
	report := CycleReport{ID: c.newID(), Types: make([]TypeReport, len(c.types))}
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "controller.cycle", "cycle_id", report.ID)
	defer span.End()
	logger := c.logger.With(zap.String("cycle_id", report.ID))

	requeued, err := c.queue.RequeueStale(ctx, c.db, c.inFlightTimeout)
	if err != nil {
		logger.Warn("stale claim sweep failed", zap.Error(err))
	} else if requeued > 0 {
		c.recorder.AddRequeued(requeued)
		logger.Warn("requeued stale claims", zap.Int64("requeued", requeued))
	}
	report.Requeued = requeued

	var g errgroup.Group
	for i, t := range c.types {
		i, t := i, t
		g.Go(func() error {
			report.Types[i] = c.ProcessType(ctx, report.ID, t)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// ProcessType runs one batch of t through every stage. Any failure before
// the correlation transaction commits returns the claimed rows to pending.
func (c *Controller) ProcessType(ctx context.Context, cycleID string, t models.RequestType) (rep TypeReport) {
	rep = TypeReport{Type: t, Stage: StageIdle}
	ctx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "controller.process_type",
		"cycle_id", cycleID, "request_type", t.String())
	defer span.End()
	token := c.newID()
	logger := c.logger.With(zap.String("cycle_id", cycleID), zap.String("request_type", t.String()))

	fail := func(stage Stage, kind string, err error) TypeReport {
		rep.Stage, rep.Kind, rep.Err = stage, kind, err
		span.RecordError(err)
		c.recorder.IncFailure(t.String(), kind)
		logger.Warn("batch failed",
			zap.String("stage", string(stage)),
			zap.String("failure", kind),
			zap.Int("claimed", rep.Claimed),
			zap.Error(err))
		return rep
	}

	var rows []models.Request
	if err := c.stage(ctx, t, StageClaiming, func(ctx context.Context) error {
		var err error
		rows, err = c.claim(ctx, t, token)
		return err
	}); err != nil {
		return fail(StageClaiming, FailureStore, err)
	}
	if len(rows) == 0 {
		return rep
	}
	rep.Claimed = len(rows)
	c.recorder.AddClaimed(t.String(), len(rows))
	logger.Debug("claimed batch", zap.Int("claimed", len(rows)), zap.String("claim_token", token))

	committed := false
	defer func() {
		if !committed {
			c.release(ctx, logger, token)
		}
	}()

	var payloads []json.RawMessage
	_ = c.stage(ctx, t, StageMerging, func(context.Context) error {
		payloads = sas.Merge(map[models.RequestType][]models.Request{t: rows})[t]
		return nil
	})

	if c.gate != nil {
		if err := c.stage(ctx, t, StageTrustCheck, c.gate.Check); err != nil {
			return fail(StageTrustCheck, Classify(err), err)
		}
	}

	var responses []json.RawMessage
	var err error
	if err = c.stage(ctx, t, StageSending, func(ctx context.Context) error {
		var err error
		responses, err = c.sender.Send(ctx, t, payloads)
		return err
	}); err != nil {
		return fail(StageSending, Classify(err), err)
	}

	// Rows are answered from here on; deadlocks and serialization failures
	// retry the transaction instead of releasing the claim.
	for attempt := 1; ; attempt++ {
		var stage Stage
		rep.Result, stage, err = c.correlate(ctx, t, rows, responses)
		if err == nil {
			break
		}
		if !retryable(err) || attempt >= correlateAttempts || ctx.Err() != nil {
			return fail(stage, FailureStore, err)
		}
		logger.Warn("correlation conflicted, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	committed = true
	rep.Stage = StageDone
	res := rep.Result
	c.recorder.ObserveCorrelation(t.String(), res.Matched, res.Failed, res.DroppedResponses)
	if res.Failed > 0 || res.DroppedResponses > 0 {
		c.recorder.IncFailure(t.String(), FailureCorrelation)
	}
	logger.Info("batch committed",
		zap.Int("claimed", len(rows)),
		zap.Int("matched", res.Matched),
		zap.Int("failed", res.Failed),
		zap.Int("dropped_responses", res.DroppedResponses))
	return rep
}

const correlateAttempts = 3

// correlate applies responses in one transaction and reports the stage a
// failure happened in.
func (c *Controller) correlate(ctx context.Context, t models.RequestType, rows []models.Request, responses []json.RawMessage) (processor.Result, Stage, error) {
	var res processor.Result
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return res, StageCorrelating, fmt.Errorf("begin correlation: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := c.stage(ctx, t, StageCorrelating, func(ctx context.Context) error {
		var err error
		res, err = c.correlator.Correlate(ctx, c.storeFor(tx), t, rows, responses)
		return err
	}); err != nil {
		return res, StageCorrelating, err
	}
	if err := c.stage(ctx, t, StageCommitting, tx.Commit); err != nil {
		return res, StageCommitting, fmt.Errorf("commit correlation: %w", err)
	}
	return res, StageDone, nil
}

// retryable reports a deadlock or serialization failure.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001")
}

// claim locks and marks up to limit rows in a short transaction so no row
// lock is held while SAS is called.
func (c *Controller) claim(ctx context.Context, t models.RequestType, token string) ([]models.Request, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
	rows, err := c.queue.Claim(ctx, tx, t, c.limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rows, nil
	}
	if err := c.queue.MarkClaimed(ctx, tx, rows, token); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return rows, nil
}

func (c *Controller) release(ctx context.Context, logger *zap.Logger, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	n, err := c.queue.Release(rctx, c.db, token)
	if err != nil {
		logger.Error("release claim failed; rows wait for the stale sweep",
			zap.String("claim_token", token), zap.Error(err))
		return
	}
	logger.Debug("released claim", zap.String("claim_token", token), zap.Int64("released", n))
}

func (c *Controller) stage(ctx context.Context, t models.RequestType, s Stage, fn func(context.Context) error) error {
	start := c.now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.recorder.ObserveStage(t.String(), string(s), outcome, c.now().Sub(start))
	return err
}

// Classify maps a trust-check or send error onto a failure kind. Anything
// not recognised as trust or envelope trouble counts as transport.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, trust.ErrUntrusted):
		return FailureTrust
	case errors.Is(err, sas.ErrMalformedResponse):
		return FailureCorrelation
	default:
		return FailureTransport
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, string, string, time.Duration) {}
func (nopRecorder) AddClaimed(string, int)                             {}
func (nopRecorder) ObserveCorrelation(string, int, int, int)           {}
func (nopRecorder) IncFailure(string, string)                          {}
func (nopRecorder) AddRequeued(int64)                                  {}
