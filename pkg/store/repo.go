package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/models"
	"domainproxy/pkg/processor"
	"domainproxy/pkg/queue"

	"github.com/jackc/pgx/v5"
)

// Repo is the domain repository bound to one querier, normally the
// correlation transaction. It satisfies processor.Store.
type Repo struct {
	q     queue.Querier
	queue *queue.Store
	audit *audit.Writer
	now   func() time.Time
}

func NewRepo(q queue.Querier, qs *queue.Store) *Repo {
	if qs == nil {
		qs = queue.New()
	}
	return &Repo{q: q, queue: qs, audit: &audit.Writer{DB: q}, now: time.Now}
}

const cbsdColumns = `
	c.id, c.network_id, c.fcc_id, c.cbsd_serial_number, c.user_id, COALESCE(c.cbsd_id, ''),
	s.name, d.name, c.channels, c.available_frequencies, c.updated_at
	FROM cbsds c
	JOIN cbsd_states s ON s.id = c.state_id
	JOIN cbsd_states d ON d.id = c.desired_state_id`

// LockCbsds takes the batch's CBSD row locks in id order. The lookups below
// then find their rows already held by this transaction.
func (r *Repo) LockCbsds(ctx context.Context, refs processor.CbsdRefs) error {
	rows, err := r.q.Query(ctx, `SELECT c.id FROM cbsds c
		WHERE c.cbsd_id = ANY($1::text[])
		   OR (c.fcc_id, c.cbsd_serial_number) IN (
			SELECT u.fcc_id, u.serial FROM unnest($2::text[], $3::text[]) AS u(fcc_id, serial))
		ORDER BY c.id
		FOR NO KEY UPDATE OF c`, refs.SasIDs, refs.FccIDs, refs.SerialNumbers)
	if err != nil {
		return fmt.Errorf("lock cbsds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock cbsds: %w", err)
	}
	return nil
}

// Lookups lock the CBSD row so concurrent message types read-modify-write
// it one at a time.
func (r *Repo) CbsdByIdentity(ctx context.Context, fccID, serialNumber string) (*models.Cbsd, error) {
	row := r.q.QueryRow(ctx, `SELECT `+cbsdColumns+`
		WHERE c.fcc_id = $1 AND c.cbsd_serial_number = $2
		FOR NO KEY UPDATE OF c`, fccID, serialNumber)
	return scanCbsd(row)
}

func (r *Repo) CbsdBySasID(ctx context.Context, cbsdID string) (*models.Cbsd, error) {
	if cbsdID == "" {
		return nil, nil
	}
	row := r.q.QueryRow(ctx, `SELECT `+cbsdColumns+`
		WHERE c.cbsd_id = $1
		FOR NO KEY UPDATE OF c`, cbsdID)
	return scanCbsd(row)
}

func scanCbsd(row pgx.Row) (*models.Cbsd, error) {
	var (
		c        models.Cbsd
		state    string
		desired  string
		channels []byte
		freqs    []int64
	)
	err := row.Scan(&c.ID, &c.NetworkID, &c.FccID, &c.SerialNumber, &c.UserID, &c.CbsdID,
		&state, &desired, &channels, &freqs, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cbsd: %w", err)
	}
	c.State = models.CbsdState(state)
	c.DesiredState = models.CbsdState(desired)
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &c.Channels); err != nil {
			return nil, fmt.Errorf("decode cbsd %d channels: %w", c.ID, err)
		}
	}
	if freqs != nil {
		c.AvailableFrequencies = make([]uint32, len(freqs))
		for i, f := range freqs {
			c.AvailableFrequencies[i] = uint32(f)
		}
	}
	return &c, nil
}

func (r *Repo) SaveCbsd(ctx context.Context, c *models.Cbsd) error {
	channels := c.Channels
	if channels == nil {
		channels = []models.Channel{}
	}
	rawChannels, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	var freqs []int64
	if c.AvailableFrequencies != nil {
		freqs = make([]int64, len(c.AvailableFrequencies))
		for i, f := range c.AvailableFrequencies {
			freqs[i] = int64(f)
		}
	}
	state := c.State
	if state == "" {
		state = models.CbsdUnregistered
	}
	desired := c.DesiredState
	if desired == "" {
		desired = models.CbsdRegistered
	}
	now := r.now()
	if c.ID == 0 {
		err = r.q.QueryRow(ctx, `
			INSERT INTO cbsds (network_id, fcc_id, cbsd_serial_number, user_id, cbsd_id, state_id, desired_state_id, channels, available_frequencies, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''),
				(SELECT id FROM cbsd_states WHERE name = $6),
				(SELECT id FROM cbsd_states WHERE name = $7),
				$8, $9, $10, $10)
			RETURNING id
		`, c.NetworkID, c.FccID, c.SerialNumber, c.UserID, c.CbsdID, string(state), string(desired), rawChannels, freqs, now).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert cbsd: %w", err)
		}
		c.UpdatedAt = now
		return nil
	}
	_, err = r.q.Exec(ctx, `
		UPDATE cbsds SET
			network_id = $2, user_id = $3, cbsd_id = NULLIF($4, ''),
			state_id = (SELECT id FROM cbsd_states WHERE name = $5),
			desired_state_id = (SELECT id FROM cbsd_states WHERE name = $6),
			channels = $7, available_frequencies = $8, updated_at = $9
		WHERE id = $1
	`, c.ID, c.NetworkID, c.UserID, c.CbsdID, string(state), string(desired), rawChannels, freqs, now)
	if err != nil {
		return fmt.Errorf("update cbsd %d: %w", c.ID, err)
	}
	c.UpdatedAt = now
	return nil
}

func (r *Repo) Grant(ctx context.Context, cbsdID int64, grantID string) (*models.GrantRecord, error) {
	var (
		g     models.GrantRecord
		state string
	)
	err := r.q.QueryRow(ctx, `
		SELECT g.id, g.cbsd_id, g.grant_id, s.name, g.low_frequency, g.high_frequency, g.max_eirp,
			g.heartbeat_interval, g.grant_expire_time, g.transmit_expire_time
		FROM grants g
		JOIN grant_states s ON s.id = g.state_id
		WHERE g.cbsd_id = $1 AND g.grant_id = $2
	`, cbsdID, grantID).Scan(&g.ID, &g.CbsdID, &g.GrantID, &state, &g.LowFrequency, &g.HighFrequency, &g.MaxEirp,
		&g.HeartbeatInterval, &g.GrantExpireTime, &g.TransmitExpireTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load grant %s: %w", grantID, err)
	}
	g.State = models.GrantState(state)
	return &g, nil
}

func (r *Repo) SaveGrant(ctx context.Context, g *models.GrantRecord) error {
	if g.State == models.GrantNone {
		return fmt.Errorf("save grant %s: state required", g.GrantID)
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO grants (cbsd_id, grant_id, state_id, low_frequency, high_frequency, max_eirp, heartbeat_interval, grant_expire_time, transmit_expire_time)
		VALUES ($1, $2, (SELECT id FROM grant_states WHERE name = $3), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cbsd_id, grant_id) DO UPDATE SET
			state_id = EXCLUDED.state_id,
			low_frequency = EXCLUDED.low_frequency,
			high_frequency = EXCLUDED.high_frequency,
			max_eirp = EXCLUDED.max_eirp,
			heartbeat_interval = EXCLUDED.heartbeat_interval,
			grant_expire_time = EXCLUDED.grant_expire_time,
			transmit_expire_time = EXCLUDED.transmit_expire_time
		RETURNING id
	`, g.CbsdID, g.GrantID, string(g.State), g.LowFrequency, g.HighFrequency, g.MaxEirp,
		g.HeartbeatInterval, g.GrantExpireTime, g.TransmitExpireTime).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("save grant %s: %w", g.GrantID, err)
	}
	return nil
}

func (r *Repo) DeleteGrant(ctx context.Context, cbsdID int64, grantID string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM grants WHERE cbsd_id = $1 AND grant_id = $2`, cbsdID, grantID); err != nil {
		return fmt.Errorf("delete grant %s: %w", grantID, err)
	}
	return nil
}

func (r *Repo) DeleteGrants(ctx context.Context, cbsdID int64) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM grants WHERE cbsd_id = $1`, cbsdID); err != nil {
		return fmt.Errorf("delete grants of cbsd %d: %w", cbsdID, err)
	}
	return nil
}

func (r *Repo) CompleteRequest(ctx context.Context, id int64, claimToken, errMsg string) error {
	return r.queue.Complete(ctx, r.q, id, claimToken, errMsg)
}

func (r *Repo) LogResponse(ctx context.Context, e audit.Entry) error {
	return r.audit.Append(ctx, e)
}

// EnsureCbsd returns the id of the CBSD with this identity, creating it
// unregistered when absent.
func (r *Repo) EnsureCbsd(ctx context.Context, fccID, serialNumber, userID string) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO cbsds (fcc_id, cbsd_serial_number, user_id, state_id, desired_state_id)
		VALUES ($1, $2, $3,
			(SELECT id FROM cbsd_states WHERE name = 'unregistered'),
			(SELECT id FROM cbsd_states WHERE name = 'registered'))
		ON CONFLICT (fcc_id, cbsd_serial_number) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`, fccID, serialNumber, userID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure cbsd %s/%s: %w", fccID, serialNumber, err)
	}
	return id, nil
}

// CbsdRowID maps a SAS-assigned cbsdId to the internal id, 0 if unknown.
func (r *Repo) CbsdRowID(ctx context.Context, cbsdID string) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `SELECT id FROM cbsds WHERE cbsd_id = $1`, cbsdID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup cbsd %s: %w", cbsdID, err)
	}
	return id, nil
}
