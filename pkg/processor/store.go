package processor

import (
	"context"
	"encoding/json"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/models"
)

// Store is the transactional view the correlator writes through. One Store
// value wraps one database transaction; nothing is visible until the caller
// commits it.
type Store interface {
	// LockCbsds locks every CBSD refs names in ascending row order. It runs
	// before any other read so concurrent batches never wait on each other
	// in opposite orders.
	LockCbsds(ctx context.Context, refs CbsdRefs) error
	// CbsdByIdentity and CbsdBySasID return nil, nil when no CBSD matches.
	CbsdByIdentity(ctx context.Context, fccID, serialNumber string) (*models.Cbsd, error)
	CbsdBySasID(ctx context.Context, cbsdID string) (*models.Cbsd, error)
	// SaveCbsd inserts when c.ID is zero, updating c.ID.
	SaveCbsd(ctx context.Context, c *models.Cbsd) error

	// Grant returns nil, nil for an unknown grant.
	Grant(ctx context.Context, cbsdID int64, grantID string) (*models.GrantRecord, error)
	// SaveGrant upserts by (CbsdID, GrantID).
	SaveGrant(ctx context.Context, g *models.GrantRecord) error
	DeleteGrant(ctx context.Context, cbsdID int64, grantID string) error
	DeleteGrants(ctx context.Context, cbsdID int64) error

	CompleteRequest(ctx context.Context, id int64, claimToken, errMsg string) error
	LogResponse(ctx context.Context, e audit.Entry) error
}

// CbsdRefs names the CBSDs one batch touches, by SAS id and by identity.
// FccIDs and SerialNumbers are parallel.
type CbsdRefs struct {
	SasIDs        []string
	FccIDs        []string
	SerialNumbers []string
}

func (r CbsdRefs) Empty() bool { return len(r.SasIDs) == 0 && len(r.FccIDs) == 0 }

func batchRefs(t models.RequestType, sent []models.Request) CbsdRefs {
	var refs CbsdRefs
	seen := map[string]bool{}
	for _, r := range sent {
		var doc requestDoc
		if json.Unmarshal(r.Payload, &doc) != nil {
			continue
		}
		if t == models.Registration {
			k := doc.FccID + "/" + doc.CbsdSerialNumber
			if doc.FccID == "" || doc.CbsdSerialNumber == "" || seen[k] {
				continue
			}
			seen[k] = true
			refs.FccIDs = append(refs.FccIDs, doc.FccID)
			refs.SerialNumbers = append(refs.SerialNumbers, doc.CbsdSerialNumber)
			continue
		}
		if doc.CbsdID == "" || seen[doc.CbsdID] {
			continue
		}
		seen[doc.CbsdID] = true
		refs.SasIDs = append(refs.SasIDs, doc.CbsdID)
	}
	return refs
}
