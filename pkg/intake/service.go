// Package intake is the inbound side of the domain proxy: it validates
// protocol request batches and persists them as pending rows for the
// controller. Batches arrive over HTTP or from a Kafka topic.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainproxy/pkg/models"
	"domainproxy/pkg/queue"
	"domainproxy/pkg/store"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

var (
	ErrEmptyBatch = errors.New("empty batch")
	ErrInProgress = errors.New("idempotency key in progress")
)

const pendingMarker = "pending"

type DB interface {
	queue.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Querier, cbsdID int64, t models.RequestType, payload json.RawMessage) (int64, error)
}

// Resolver attaches rows to CBSDs. Registration creates the CBSD; the other
// types look up the SAS-assigned cbsdId and tolerate unknown ids.
type Resolver interface {
	EnsureCbsd(ctx context.Context, fccID, serialNumber, userID string) (int64, error)
	CbsdRowID(ctx context.Context, cbsdID string) (int64, error)
}

type Recorder interface {
	IncIntake(requestType, source, outcome string)
}

type Options struct {
	DB             DB
	Queue          Enqueuer
	ResolverFor    func(q queue.Querier) Resolver
	Cache          store.Cache
	IdempotencyTTL time.Duration
	Logger         *zap.Logger
	Recorder       Recorder
}

type Service struct {
	db          DB
	queue       Enqueuer
	resolverFor func(q queue.Querier) Resolver
	cache       store.Cache
	ttl         time.Duration
	logger      *zap.Logger
	recorder    Recorder
}

// Receipt lists the queued row ids in batch order. Replayed is set when the
// ids come from an earlier submission with the same idempotency key.
type Receipt struct {
	RequestIDs []int64 `json:"request_ids"`
	Replayed   bool    `json:"replayed,omitempty"`
}

func New(opts Options) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("intake: db required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("intake: queue required")
	}
	if opts.ResolverFor == nil {
		return nil, fmt.Errorf("intake: resolver required")
	}
	s := &Service{
		db:          opts.DB,
		queue:       opts.Queue,
		resolverFor: opts.ResolverFor,
		cache:       opts.Cache,
		ttl:         opts.IdempotencyTTL,
		logger:      opts.Logger,
		recorder:    opts.Recorder,
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s, nil
}

// Submit validates every item before writing any, then enqueues the batch in
// one transaction. A non-empty key makes the call idempotent for the
// configured TTL.
func (s *Service) Submit(ctx context.Context, t models.RequestType, items []json.RawMessage, source, key string) (Receipt, error) {
	if !t.Valid() {
		return Receipt{}, fmt.Errorf("unknown request type %v", t)
	}
	if len(items) == 0 {
		s.recorder.IncIntake(t.String(), source, "invalid")
		return Receipt{}, ErrEmptyBatch
	}
	parsed := make([]item, len(items))
	for i, raw := range items {
		it, err := validateItem(t, raw)
		if err != nil {
			s.recorder.IncIntake(t.String(), source, "invalid")
			return Receipt{}, &ItemError{Index: i, Err: err}
		}
		parsed[i] = it
	}

	cacheKey := ""
	if key != "" && s.cache != nil {
		cacheKey = idempotencyKey(t, key)
		receipt, done, err := s.reserve(ctx, cacheKey)
		if err != nil {
			return Receipt{}, err
		}
		if done {
			s.recorder.IncIntake(t.String(), source, "replayed")
			return receipt, nil
		}
	}

	ids, err := s.enqueue(ctx, t, items, parsed)
	if err != nil {
		s.recorder.IncIntake(t.String(), source, "error")
		if cacheKey != "" {
			if delErr := s.cache.Del(context.WithoutCancel(ctx), cacheKey); delErr != nil {
				s.logger.Warn("idempotency key release failed", zap.String("key", cacheKey), zap.Error(delErr))
			}
		}
		return Receipt{}, err
	}
	receipt := Receipt{RequestIDs: ids}
	if cacheKey != "" {
		body, _ := json.Marshal(receipt)
		if err := s.cache.SetBytes(ctx, cacheKey, body, s.ttl); err != nil {
			s.logger.Warn("idempotency result not stored", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	s.recorder.IncIntake(t.String(), source, "accepted")
	s.logger.Info("batch queued",
		zap.String("request_type", t.String()),
		zap.String("source", source),
		zap.Int("count", len(ids)),
	)
	return receipt, nil
}

// reserve claims key for this submission. done is true when an earlier
// submission already finished and its receipt is returned.
func (s *Service) reserve(ctx context.Context, key string) (Receipt, bool, error) {
	ok, err := s.cache.SetNX(ctx, key, pendingMarker, s.ttl)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("idempotency: %w", err)
	}
	if ok {
		return Receipt{}, false, nil
	}
	raw, found, err := s.cache.GetBytes(ctx, key)
	if err != nil {
		return Receipt{}, false, fmt.Errorf("idempotency: %w", err)
	}
	if !found || string(raw) == pendingMarker {
		return Receipt{}, false, ErrInProgress
	}
	var prior Receipt
	if err := json.Unmarshal(raw, &prior); err != nil {
		return Receipt{}, false, fmt.Errorf("idempotency: decode stored receipt: %w", err)
	}
	prior.Replayed = true
	return prior, true, nil
}

func (s *Service) enqueue(ctx context.Context, t models.RequestType, raw []json.RawMessage, parsed []item) (_ []int64, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	resolver := s.resolverFor(tx)
	ids := make([]int64, len(parsed))
	for i, it := range parsed {
		cbsdRow, err := s.resolve(ctx, resolver, t, it)
		if err != nil {
			return nil, err
		}
		id, err := s.queue.Enqueue(ctx, tx, cbsdRow, t, raw[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return ids, nil
}

func (s *Service) resolve(ctx context.Context, r Resolver, t models.RequestType, it item) (int64, error) {
	if t == models.Registration {
		return r.EnsureCbsd(ctx, it.FccID, it.CbsdSerialNumber, it.UserID)
	}
	return r.CbsdRowID(ctx, it.CbsdID)
}

func idempotencyKey(t models.RequestType, key string) string {
	return "idem:" + t.String() + ":" + key
}

// StoreResolver adapts the domain repository.
func StoreResolver(qs *queue.Store) func(q queue.Querier) Resolver {
	return func(q queue.Querier) Resolver { return store.NewRepo(q, qs) }
}

type nopRecorder struct{}

func (nopRecorder) IncIntake(string, string, string) {}
