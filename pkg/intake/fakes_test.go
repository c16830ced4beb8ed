package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/models"
	"domainproxy/pkg/queue"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
)

type fakeTx struct {
	pgx.Tx
	commits   int
	rollbacks int
	commitErr error
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.commits++
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	return nil
}

type fakeDB struct {
	mu        sync.Mutex
	txs       []*fakeTx
	beginErr  error
	commitErr error
}

func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	tx := &fakeTx{commitErr: d.commitErr}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec")
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

type enqueued struct {
	q       queue.Querier
	cbsdID  int64
	t       models.RequestType
	payload json.RawMessage
}

type fakeQueue struct {
	mu     sync.Mutex
	rows   []enqueued
	nextID int64
	failAt int
	err    error
}

func (f *fakeQueue) Enqueue(ctx context.Context, q queue.Querier, cbsdID int64, t models.RequestType, payload json.RawMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && len(f.rows) == f.failAt {
		return 0, f.err
	}
	f.nextID++
	f.rows = append(f.rows, enqueued{q: q, cbsdID: cbsdID, t: t, payload: payload})
	return f.nextID, nil
}

type fakeResolver struct {
	mu       sync.Mutex
	ensured  []string
	known    map[string]int64
	ensureID int64
	err      error
}

func (r *fakeResolver) EnsureCbsd(ctx context.Context, fccID, serialNumber, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.ensured = append(r.ensured, fccID+"/"+serialNumber+"/"+userID)
	return r.ensureID, nil
}

func (r *fakeResolver) CbsdRowID(ctx context.Context, cbsdID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return r.known[cbsdID], nil
}

type intakeEvent struct {
	requestType, source, outcome string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []intakeEvent
}

func (r *fakeRecorder) IncIntake(requestType, source, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, intakeEvent{requestType, source, outcome})
}

func (r *fakeRecorder) last() intakeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return intakeEvent{}
	}
	return r.events[len(r.events)-1]
}

type fakeLog struct {
	entries []audit.Entry
	err     error
	gotID   int64
	gotLim  int
}

func (f *fakeLog) Recent(ctx context.Context, cbsdID int64, limit int) ([]audit.Entry, error) {
	f.gotID, f.gotLim = cbsdID, limit
	return f.entries, f.err
}

type fakeKafkaReader struct {
	msg      kafka.Message
	err      error
	readHits int
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.readHits++
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

// scriptedConsumer replays msgs, then cancels the consume loop.
type scriptedConsumer struct {
	msgs   []Message
	errs   []error
	cancel context.CancelFunc
	reads  int
}

func (c *scriptedConsumer) ReadMessage(ctx context.Context) (Message, error) {
	i := c.reads
	c.reads++
	if i < len(c.errs) && c.errs[i] != nil {
		return Message{}, c.errs[i]
	}
	if i < len(c.msgs) {
		return c.msgs[i], nil
	}
	c.cancel()
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (c *scriptedConsumer) Close() error { return nil }
