package sas

import (
	"encoding/json"

	"domainproxy/pkg/models"
)

// Merge reshapes the rows claimed this cycle into per-type payload lists.
// Order is preserved exactly; payload bytes are not inspected.
func Merge(claimed map[models.RequestType][]models.Request) map[models.RequestType][]json.RawMessage {
	out := make(map[models.RequestType][]json.RawMessage, len(claimed))
	for t, rows := range claimed {
		payloads := make([]json.RawMessage, 0, len(rows))
		for _, r := range rows {
			payloads = append(payloads, r.Payload)
		}
		out[t] = payloads
	}
	return out
}
