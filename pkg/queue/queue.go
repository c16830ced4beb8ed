// Package queue hands pending SAS requests to controller replicas without
// duplicate delivery. Postgres row locks taken with SKIP LOCKED are the only
// mutual exclusion; nothing here relies on in-process locking.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainproxy/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrLostClaim means the row is no longer held by the caller's claim token,
// usually because the stale sweep requeued it.
var ErrLostClaim = errors.New("request no longer claimed by this token")

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store runs the queue statements. Every timestamp comes from the
// database clock so replicas with skewed clocks agree on claim age.
type Store struct{}

func New() *Store {
	return &Store{}
}

const claimSQL = `
	SELECT r.id, COALESCE(r.cbsd_id, 0), r.payload, r.created_at
	FROM requests r
	JOIN request_types t ON t.id = r.type_id
	JOIN request_states s ON s.id = r.state_id
	WHERE t.name = $1 AND s.name = 'pending'
	ORDER BY r.id
	LIMIT $2
	FOR UPDATE OF r SKIP LOCKED`

// Claim locks up to limit pending rows of type t inside the caller's
// transaction, oldest first. Rows locked by another transaction are
// skipped, so concurrent claimers always see disjoint sets. limit <= 0
// means unbounded.
func (s *Store) Claim(ctx context.Context, q Querier, t models.RequestType, limit int) ([]models.Request, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := q.Query(ctx, claimSQL, t.String(), lim)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", t, err)
	}
	defer rows.Close()
	out := make([]models.Request, 0)
	for rows.Next() {
		r := models.Request{Type: t, State: models.RequestPending}
		var payload []byte
		if err := rows.Scan(&r.ID, &r.CbsdID, &payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan %s request: %w", t, err)
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim %s: %w", t, err)
	}
	return out, nil
}

// MarkClaimed moves locked rows to claimed under token. Committing the
// surrounding transaction releases the row locks while the rows stay
// invisible to other claimers.
func (s *Store) MarkClaimed(ctx context.Context, q Querier, rows []models.Request, token string) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	tag, err := q.Exec(ctx, `
		UPDATE requests
		SET state_id = (SELECT id FROM request_states WHERE name = 'claimed'),
			claim_token = $2, claimed_at = now(), updated_at = now()
		WHERE id = ANY($1)
	`, ids, token)
	if err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("mark claimed: updated %d of %d rows", tag.RowsAffected(), len(ids))
	}
	for i := range rows {
		rows[i].State = models.RequestClaimed
		rows[i].ClaimToken = token
	}
	return nil
}

// Release puts every row still claimed under token back to pending.
func (s *Store) Release(ctx context.Context, q Querier, token string) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE requests
		SET state_id = (SELECT id FROM request_states WHERE name = 'pending'),
			claim_token = NULL, claimed_at = NULL, updated_at = now()
		WHERE claim_token = $1
		AND state_id = (SELECT id FROM request_states WHERE name = 'claimed')
	`, token)
	if err != nil {
		return 0, fmt.Errorf("release claim: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStale returns rows claimed longer than olderThan to pending. It
// recovers work stranded by a replica that died between send and
// correlation.
func (s *Store) RequeueStale(ctx context.Context, q Querier, olderThan time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE requests
		SET state_id = (SELECT id FROM request_states WHERE name = 'pending'),
			claim_token = NULL, claimed_at = NULL, updated_at = now()
		WHERE claimed_at < now() - make_interval(secs => $1)
		AND state_id = (SELECT id FROM request_states WHERE name = 'claimed')
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Complete finishes one claimed row. errMsg is empty on success.
func (s *Store) Complete(ctx context.Context, q Querier, id int64, token, errMsg string) error {
	tag, err := q.Exec(ctx, `
		UPDATE requests
		SET state_id = (SELECT id FROM request_states WHERE name = 'completed'),
			error = NULLIF($3, ''), claim_token = NULL, updated_at = now()
		WHERE id = $1 AND claim_token = $2
		AND state_id = (SELECT id FROM request_states WHERE name = 'claimed')
	`, id, token, errMsg)
	if err != nil {
		return fmt.Errorf("complete request %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete request %d: %w", id, ErrLostClaim)
	}
	return nil
}

// Enqueue inserts a pending row. cbsdID 0 stores NULL.
func (s *Store) Enqueue(ctx context.Context, q Querier, cbsdID int64, t models.RequestType, payload json.RawMessage) (int64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("enqueue: invalid request type %v", t)
	}
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO requests (type_id, state_id, cbsd_id, payload, created_at, updated_at)
		VALUES (
			(SELECT id FROM request_types WHERE name = $1),
			(SELECT id FROM request_states WHERE name = 'pending'),
			NULLIF($2::bigint, 0), $3, now(), now())
		RETURNING id
	`, t.String(), cbsdID, []byte(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", t, err)
	}
	return id, nil
}

// Get reads one row, for diagnostics and tests.
func (s *Store) Get(ctx context.Context, q Querier, id int64) (models.Request, error) {
	var (
		r        models.Request
		typeName string
		state    string
		payload  []byte
		token    *string
		errMsg   *string
		claimed  *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT r.id, COALESCE(r.cbsd_id, 0), t.name, s.name, r.payload, r.claim_token, r.error, r.claimed_at, r.created_at, r.updated_at
		FROM requests r
		JOIN request_types t ON t.id = r.type_id
		JOIN request_states s ON s.id = r.state_id
		WHERE r.id = $1
	`, id).Scan(&r.ID, &r.CbsdID, &typeName, &state, &payload, &token, &errMsg, &claimed, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	rt, err := models.ParseRequestType(typeName)
	if err != nil {
		return r, err
	}
	r.Type = rt
	r.State = models.RequestState(state)
	r.Payload = json.RawMessage(payload)
	if token != nil {
		r.ClaimToken = *token
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	if claimed != nil {
		r.ClaimedAt = *claimed
	}
	return r, nil
}
