package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"domainproxy/pkg/models"
	"domainproxy/pkg/processor"
	"domainproxy/pkg/queue"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeTx struct {
	pgx.Tx
	mu        sync.Mutex
	commitErr error
	committed bool
	rolled    bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.committed {
		t.rolled = true
	}
	return nil
}

type fakeDB struct {
	mu       sync.Mutex
	txs      []*fakeTx
	beginErr error
	// commitErrAt fails the commit of the n-th transaction (1-based).
	commitErrAt int
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	tx := &fakeTx{}
	d.txs = append(d.txs, tx)
	if d.commitErrAt == len(d.txs) {
		tx.commitErr = errors.New("serialization failure")
	}
	return tx, nil
}

func (d *fakeDB) tx(i int) *fakeTx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txs[i]
}

type fakeQueue struct {
	mu        sync.Mutex
	pending   map[models.RequestType][]models.Request
	claimed   map[string][]models.Request
	released  []string
	limits    []int
	claimErr  error
	requeued  int64
	sweeps    int
	sweepAges []time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: map[models.RequestType][]models.Request{}, claimed: map[string][]models.Request{}}
}

func (q *fakeQueue) add(t models.RequestType, payloads ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range payloads {
		id := int64(len(q.pending[t]) + 1 + 100*int(t))
		q.pending[t] = append(q.pending[t], models.Request{ID: id, Type: t, State: models.RequestPending, Payload: json.RawMessage(p)})
	}
}

func (q *fakeQueue) Claim(ctx context.Context, _ queue.Querier, t models.RequestType, limit int) ([]models.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits = append(q.limits, limit)
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	rows := q.pending[t]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.Request, len(rows))
	copy(out, rows)
	return out, nil
}

func (q *fakeQueue) MarkClaimed(ctx context.Context, _ queue.Querier, rows []models.Request, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range rows {
		rows[i].State = models.RequestClaimed
		rows[i].ClaimToken = token
	}
	q.claimed[token] = rows
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, _ queue.Querier, token string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, token)
	return int64(len(q.claimed[token])), nil
}

func (q *fakeQueue) RequeueStale(ctx context.Context, _ queue.Querier, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweeps++
	q.sweepAges = append(q.sweepAges, olderThan)
	return q.requeued, nil
}

func (q *fakeQueue) releasedTokens() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.released...)
}

type sendCall struct {
	t        models.RequestType
	payloads []json.RawMessage
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sendCall
	err    error
	errFor map[models.RequestType]error
	// block makes Send wait for its context to end.
	block bool
}

func (s *fakeSender) Send(ctx context.Context, t models.RequestType, payloads []json.RawMessage) ([]json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{t: t, payloads: payloads})
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	if err := s.errFor[t]; err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(payloads))
	for i := range payloads {
		out[i] = json.RawMessage(fmt.Sprintf(`{"response":{"responseCode":0},"i":%d}`, i))
	}
	return out, nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeGate struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGate) Check(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.err
}

type fakeCorrelator struct {
	mu  sync.Mutex
	err error
	// errs is consumed one per call before err applies.
	errs      []error
	failed    int
	sent      [][]models.Request
	responses [][]json.RawMessage
}

func (c *fakeCorrelator) Correlate(ctx context.Context, st processor.Store, t models.RequestType, sent []models.Request, responses []json.RawMessage) (processor.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent)
	c.responses = append(c.responses, responses)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return processor.Result{}, err
		}
	}
	if c.err != nil {
		return processor.Result{}, c.err
	}
	return processor.Result{Type: t, Matched: len(sent) - c.failed, Failed: c.failed}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	stages   []string
	claimed  map[string]int
	failures map[string]int
	matched  int
	requeued int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{claimed: map[string]int{}, failures: map[string]int{}}
}

func (r *fakeRecorder) ObserveStage(requestType, stage, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, requestType+"/"+stage+"/"+outcome)
}

func (r *fakeRecorder) AddClaimed(requestType string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed[requestType] += n
}

func (r *fakeRecorder) ObserveCorrelation(requestType string, matched, failed, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matched += matched
}

func (r *fakeRecorder) IncFailure(requestType, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[requestType+"/"+kind]++
}

func (r *fakeRecorder) AddRequeued(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeued += n
}
