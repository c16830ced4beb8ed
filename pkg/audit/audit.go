// Package audit keeps the append-only log of channel responses: every
// correlated request/response pair the SAS returned.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB  auditDB
	Now func() time.Time
}

type Entry struct {
	RequestID       int64
	RequestType     string
	CbsdID          int64
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
	ResponseCode    int
	CreatedAt       time.Time
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		if w.Now != nil {
			e.CreatedAt = w.Now()
		} else {
			e.CreatedAt = time.Now()
		}
	}
	if len(e.RequestPayload) == 0 {
		e.RequestPayload = json.RawMessage(`{}`)
	}
	if len(e.ResponsePayload) == 0 {
		e.ResponsePayload = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO channel_response_log
		(request_id, request_type, cbsd_id, request_payload, response_payload, response_code, created_at)
		VALUES ($1,$2,NULLIF($3::bigint, 0),$4,$5,$6,$7)
	`, e.RequestID, e.RequestType, e.CbsdID, []byte(e.RequestPayload), []byte(e.ResponsePayload), e.ResponseCode, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append channel response: %w", err)
	}
	return nil
}

// Recent returns the newest entries for one CBSD, newest first.
func (w *Writer) Recent(ctx context.Context, cbsdID int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT request_id, request_type, COALESCE(cbsd_id, 0), request_payload, response_payload, response_code, created_at
		FROM channel_response_log
		WHERE cbsd_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, cbsdID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e        Entry
			req, res []byte
		)
		if err := rows.Scan(&e.RequestID, &e.RequestType, &e.CbsdID, &req, &res, &e.ResponseCode, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RequestPayload = json.RawMessage(req)
		e.ResponsePayload = json.RawMessage(res)
		out = append(out, e)
	}
	return out, rows.Err()
}
