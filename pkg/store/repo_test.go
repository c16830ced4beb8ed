package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"domainproxy/pkg/models"
	"domainproxy/pkg/processor"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var _ processor.Store = (*Repo)(nil)

type repoCall struct {
	sql  string
	args []any
}

type fakeRepoDB struct {
	rows     []fakeRepoRow
	tag      string
	calls    []repoCall
	queryErr error
	lockIDs  []int64
}

func (f *fakeRepoDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, repoCall{sql, args})
	tag := f.tag
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeRepoDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, repoCall{sql, args})
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeIDRows{ids: f.lockIDs, pos: -1}, nil
}

type fakeIDRows struct {
	ids []int64
	pos int
}

func (r *fakeIDRows) Close()                                       {}
func (r *fakeIDRows) Err() error                                   { return nil }
func (r *fakeIDRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeIDRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeIDRows) RawValues() [][]byte                          { return nil }
func (r *fakeIDRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeIDRows) Values() ([]any, error)                       { return []any{r.ids[r.pos]}, nil }

func (r *fakeIDRows) Next() bool {
	r.pos++
	return r.pos < len(r.ids)
}

func (r *fakeIDRows) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.ids[r.pos]
	return nil
}

func (f *fakeRepoDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, repoCall{sql, args})
	if len(f.rows) == 0 {
		return fakeRepoRow{err: pgx.ErrNoRows}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

type fakeRepoRow struct {
	values []any
	err    error
}

func (r fakeRepoRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: %d vs %d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = r.values[i].(int64)
		case *int:
			*d = r.values[i].(int)
		case *float64:
			*d = r.values[i].(float64)
		case *string:
			*d = r.values[i].(string)
		case *[]byte:
			if r.values[i] != nil {
				*d = r.values[i].([]byte)
			}
		case *[]int64:
			if r.values[i] != nil {
				*d = r.values[i].([]int64)
			}
		case *time.Time:
			*d = r.values[i].(time.Time)
		case **time.Time:
			if r.values[i] != nil {
				v := r.values[i].(time.Time)
				*d = &v
			}
		default:
			return fmt.Errorf("unsupported scan type %T", dest[i])
		}
	}
	return nil
}

func cbsdRow(id int64, sasID string, channels []byte, freqs []int64) fakeRepoRow {
	return fakeRepoRow{values: []any{
		id, "net", "fcc", "serial", "user", sasID, "registered", "registered", channels, freqs, time.Unix(0, 0),
	}}
}

func TestCbsdLookupDecodesColumns(t *testing.T) {
	db := &fakeRepoDB{rows: []fakeRepoRow{
		cbsdRow(7, "foo", []byte(`[{"low_frequency":3550000000,"high_frequency":3560000000,"max_eirp":37}]`), []int64{15, 6, 12, 10}),
	}}
	c, err := NewRepo(db, nil).CbsdBySasID(context.Background(), "foo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if c.ID != 7 || c.State != models.CbsdRegistered || len(c.Channels) != 1 || c.Channels[0].MaxEirp != 37 {
		t.Fatalf("unexpected cbsd %+v", c)
	}
	if len(c.AvailableFrequencies) != 4 || c.AvailableFrequencies[0] != 15 {
		t.Fatalf("unexpected frequencies %v", c.AvailableFrequencies)
	}
	if !strings.Contains(db.calls[0].sql, "FOR NO KEY UPDATE") {
		t.Fatal("cbsd lookups must lock the row")
	}
}

func TestCbsdLookupMissing(t *testing.T) {
	repo := NewRepo(&fakeRepoDB{}, nil)
	c, err := repo.CbsdByIdentity(context.Background(), "A", "B")
	if err != nil || c != nil {
		t.Fatalf("expected nil, nil got %v %v", c, err)
	}
	c, err = repo.CbsdBySasID(context.Background(), "")
	if err != nil || c != nil {
		t.Fatalf("empty id must not query, got %v %v", c, err)
	}
}

func TestCbsdLookupKeepsNilFrequencies(t *testing.T) {
	db := &fakeRepoDB{rows: []fakeRepoRow{cbsdRow(1, "foo", []byte(`[]`), nil)}}
	c, err := NewRepo(db, nil).CbsdBySasID(context.Background(), "foo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if c.AvailableFrequencies != nil {
		t.Fatalf("expected nil mask, got %v", c.AvailableFrequencies)
	}
}

func TestSaveCbsdInsertsThenUpdates(t *testing.T) {
	db := &fakeRepoDB{rows: []fakeRepoRow{{values: []any{int64(42)}}}}
	repo := NewRepo(db, nil)
	c := &models.Cbsd{FccID: "A", SerialNumber: "B"}
	if err := repo.SaveCbsd(context.Background(), c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if c.ID != 42 {
		t.Fatalf("expected id 42 got %d", c.ID)
	}
	if db.calls[0].args[5] != "unregistered" || string(db.calls[0].args[7].([]byte)) != "[]" {
		t.Fatalf("unexpected insert args %#v", db.calls[0].args)
	}
	if db.calls[0].args[8].([]int64) != nil {
		t.Fatal("nil mask must be stored as NULL")
	}

	c.State = models.CbsdRegistered
	c.AvailableFrequencies = []uint32{1, 2, 3, 4}
	if err := repo.SaveCbsd(context.Background(), c); err != nil {
		t.Fatalf("update: %v", err)
	}
	update := db.calls[1]
	if !strings.Contains(update.sql, "UPDATE cbsds") || update.args[4] != "registered" {
		t.Fatalf("unexpected update %#v", update)
	}
	if got := update.args[7].([]int64); len(got) != 4 || got[3] != 4 {
		t.Fatalf("unexpected mask arg %v", got)
	}
}

func TestGrantLookupAndSave(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	db := &fakeRepoDB{rows: []fakeRepoRow{
		{values: []any{int64(3), int64(7), "g1", "authorized", int64(3550000000), int64(3560000000), 20.0, 60, exp, nil}},
		{values: []any{int64(3)}},
	}}
	repo := NewRepo(db, nil)
	g, err := repo.Grant(context.Background(), 7, "g1")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.State != models.GrantAuthorized || g.GrantExpireTime == nil || g.TransmitExpireTime != nil {
		t.Fatalf("unexpected grant %+v", g)
	}
	if err := repo.SaveGrant(context.Background(), g); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(db.calls[1].sql, "ON CONFLICT (cbsd_id, grant_id)") {
		t.Fatal("grant save must upsert")
	}
	missing, err := repo.Grant(context.Background(), 7, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil grant, got %v %v", missing, err)
	}
	if err := repo.SaveGrant(context.Background(), &models.GrantRecord{GrantID: "x"}); err == nil {
		t.Fatal("expected state required error")
	}
}

func TestCompleteRequestDelegatesToQueue(t *testing.T) {
	db := &fakeRepoDB{tag: "UPDATE 0"}
	err := NewRepo(db, nil).CompleteRequest(context.Background(), 1, "tok", "")
	if err == nil {
		t.Fatal("expected lost claim error")
	}
}

func TestEnsureCbsdAndRowID(t *testing.T) {
	db := &fakeRepoDB{rows: []fakeRepoRow{{values: []any{int64(9)}}}}
	repo := NewRepo(db, nil)
	id, err := repo.EnsureCbsd(context.Background(), "A", "B", "u")
	if err != nil || id != 9 {
		t.Fatalf("ensure: %d %v", id, err)
	}
	id, err = repo.CbsdRowID(context.Background(), "unknown")
	if err != nil || id != 0 {
		t.Fatalf("expected 0 for unknown, got %d %v", id, err)
	}
}

func TestLockCbsdsLocksInIDOrder(t *testing.T) {
	db := &fakeRepoDB{lockIDs: []int64{3, 9}}
	refs := processor.CbsdRefs{SasIDs: []string{"foo", "bar"}, FccIDs: []string{"A"}, SerialNumbers: []string{"B"}}
	if err := NewRepo(db, nil).LockCbsds(context.Background(), refs); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("expected one query, got %d", len(db.calls))
	}
	sql := db.calls[0].sql
	if !strings.Contains(sql, "ORDER BY c.id") || !strings.Contains(sql, "FOR NO KEY UPDATE") {
		t.Fatalf("lock query must order by id before locking: %s", sql)
	}
	if ids := db.calls[0].args[0].([]string); len(ids) != 2 || ids[0] != "foo" {
		t.Fatalf("unexpected sas ids %v", db.calls[0].args[0])
	}

	db = &fakeRepoDB{queryErr: errors.New("deadlock")}
	if err := NewRepo(db, nil).LockCbsds(context.Background(), refs); err == nil || !strings.Contains(err.Error(), "lock cbsds") {
		t.Fatalf("expected wrapped lock error, got %v", err)
	}
}
