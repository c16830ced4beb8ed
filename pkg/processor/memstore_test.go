package processor

import (
	"context"
	"errors"
	"fmt"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/models"
)

type completion struct {
	token  string
	reason string
}

type memStore struct {
	nextID    int64
	cbsds     map[int64]*models.Cbsd
	grants    map[string]*models.GrantRecord
	completed map[int64]completion
	log       []audit.Entry
	locked    []CbsdRefs
	failOn    string
}

func newMemStore() *memStore {
	return &memStore{
		nextID:    100,
		cbsds:     map[int64]*models.Cbsd{},
		grants:    map[string]*models.GrantRecord{},
		completed: map[int64]completion{},
	}
}

func grantKey(cbsdID int64, grantID string) string { return fmt.Sprintf("%d/%s", cbsdID, grantID) }

func (m *memStore) addCbsd(c models.Cbsd) *models.Cbsd {
	m.nextID++
	c.ID = m.nextID
	m.cbsds[c.ID] = &c
	return &c
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return errors.New(op + " failed")
	}
	return nil
}

func (m *memStore) LockCbsds(ctx context.Context, refs CbsdRefs) error {
	if err := m.fail("lock"); err != nil {
		return err
	}
	m.locked = append(m.locked, refs)
	return nil
}

func (m *memStore) CbsdByIdentity(ctx context.Context, fccID, serial string) (*models.Cbsd, error) {
	if err := m.fail("lookup"); err != nil {
		return nil, err
	}
	for _, c := range m.cbsds {
		if c.FccID == fccID && c.SerialNumber == serial {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CbsdBySasID(ctx context.Context, cbsdID string) (*models.Cbsd, error) {
	if err := m.fail("lookup"); err != nil {
		return nil, err
	}
	for _, c := range m.cbsds {
		if cbsdID != "" && c.CbsdID == cbsdID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SaveCbsd(ctx context.Context, c *models.Cbsd) error {
	if err := m.fail("save_cbsd"); err != nil {
		return err
	}
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	}
	cp := *c
	m.cbsds[c.ID] = &cp
	return nil
}

func (m *memStore) Grant(ctx context.Context, cbsdID int64, grantID string) (*models.GrantRecord, error) {
	g, ok := m.grants[grantKey(cbsdID, grantID)]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) SaveGrant(ctx context.Context, g *models.GrantRecord) error {
	if err := m.fail("save_grant"); err != nil {
		return err
	}
	cp := *g
	m.grants[grantKey(g.CbsdID, g.GrantID)] = &cp
	return nil
}

func (m *memStore) DeleteGrant(ctx context.Context, cbsdID int64, grantID string) error {
	delete(m.grants, grantKey(cbsdID, grantID))
	return nil
}

func (m *memStore) DeleteGrants(ctx context.Context, cbsdID int64) error {
	for k, g := range m.grants {
		if g.CbsdID == cbsdID {
			delete(m.grants, k)
		}
	}
	return nil
}

func (m *memStore) CompleteRequest(ctx context.Context, id int64, token, reason string) error {
	if err := m.fail("complete"); err != nil {
		return err
	}
	if _, done := m.completed[id]; done {
		return errors.New("already completed")
	}
	m.completed[id] = completion{token: token, reason: reason}
	return nil
}

func (m *memStore) LogResponse(ctx context.Context, e audit.Entry) error {
	m.log = append(m.log, e)
	return nil
}

func (m *memStore) grant(cbsdID int64, grantID string) *models.GrantRecord {
	return m.grants[grantKey(cbsdID, grantID)]
}
