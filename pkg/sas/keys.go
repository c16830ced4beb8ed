package sas

import (
	"fmt"
	"strings"

	"domainproxy/pkg/models"
)

const (
	fieldFccID        = "fccId"
	fieldSerialNumber = "cbsdSerialNumber"
	fieldCbsdID       = "cbsdId"
	fieldGrantID      = "grantId"
)

// Document is a decoded request or response item.
type Document = map[string]any

// KeyFunc derives a correlation key from one document. Missing fields
// yield empty segments, never an error.
type KeyFunc func(Document) string

// KeyStrategy pairs the request and response key functions of a message
// type. For a request and its answer both must return the same key.
type KeyStrategy struct {
	Request  KeyFunc
	Response KeyFunc
}

// StrategyFor returns the key strategy of t. A type outside the closed set
// is a programming error and panics.
func StrategyFor(t models.RequestType) KeyStrategy {
	switch t {
	case models.Registration:
		return KeyStrategy{Request: registrationKey, Response: registrationResponseKey}
	case models.SpectrumInquiry, models.Grant, models.Deregistration:
		return KeyStrategy{Request: cbsdKey, Response: cbsdKey}
	case models.Heartbeat, models.Relinquishment:
		return KeyStrategy{Request: grantScopedKey, Response: grantScopedKey}
	default:
		panic(fmt.Sprintf("sas: no key strategy for %v", t))
	}
}

// RequestKey is the correlation key of an outbound request item.
func RequestKey(t models.RequestType, doc Document) string {
	return StrategyFor(t).Request(doc)
}

// ResponseKey is the correlation key of a SAS response item.
func ResponseKey(t models.RequestType, doc Document) string {
	return StrategyFor(t).Response(doc)
}

// Unmatchable reports whether key cannot identify a CBSD: it is empty or
// has an empty segment.
func Unmatchable(key string) bool {
	if key == "" {
		return true
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" {
			return true
		}
	}
	return false
}

func registrationKey(doc Document) string {
	return field(doc, fieldFccID) + "/" + field(doc, fieldSerialNumber)
}

// SAS registration responses normally carry only the assigned cbsdId, which
// the reference SAS derives as fccId/serial.
func registrationResponseKey(doc Document) string {
	if has(doc, fieldFccID) || has(doc, fieldSerialNumber) {
		return registrationKey(doc)
	}
	return field(doc, fieldCbsdID)
}

func cbsdKey(doc Document) string {
	return field(doc, fieldCbsdID)
}

func grantScopedKey(doc Document) string {
	key := field(doc, fieldCbsdID)
	if grantID := field(doc, fieldGrantID); grantID != "" {
		key += "/" + grantID
	}
	return key
}

func has(doc Document, name string) bool {
	_, ok := doc[name]
	return ok
}

func field(doc Document, name string) string {
	v, ok := doc[name]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64, int, int64:
		return fmt.Sprint(s)
	default:
		return ""
	}
}
