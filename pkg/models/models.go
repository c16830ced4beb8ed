package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RequestType is the closed set of SAS-CBSD protocol messages.
type RequestType int

const (
	Registration RequestType = iota + 1
	SpectrumInquiry
	Grant
	Heartbeat
	Relinquishment
	Deregistration
)

// AllRequestTypes lists every message type in protocol order.
var AllRequestTypes = []RequestType{
	Registration,
	SpectrumInquiry,
	Grant,
	Heartbeat,
	Relinquishment,
	Deregistration,
}

func (t RequestType) String() string {
	switch t {
	case Registration:
		return "registration"
	case SpectrumInquiry:
		return "spectrumInquiry"
	case Grant:
		return "grant"
	case Heartbeat:
		return "heartbeat"
	case Relinquishment:
		return "relinquishment"
	case Deregistration:
		return "deregistration"
	default:
		return fmt.Sprintf("RequestType(%d)", int(t))
	}
}

// Valid reports whether t is one of the six protocol messages.
func (t RequestType) Valid() bool {
	return t >= Registration && t <= Deregistration
}

// RequestField is the batch envelope key sent to SAS, e.g. "grantRequest".
func (t RequestType) RequestField() string { return t.String() + "Request" }

// ResponseField is the batch envelope key returned by SAS, e.g. "grantResponse".
func (t RequestType) ResponseField() string { return t.String() + "Response" }

// Path is the SAS (and intake) endpoint path for t.
func (t RequestType) Path() string { return "/" + t.String() }

// ParseRequestType accepts both the short name ("grant") and the envelope
// field name ("grantRequest").
func ParseRequestType(raw string) (RequestType, error) {
	name := strings.TrimSuffix(strings.TrimSpace(raw), "Request")
	for _, t := range AllRequestTypes {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown request type %q", raw)
}

type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestClaimed   RequestState = "claimed"
	RequestCompleted RequestState = "completed"
)

type CbsdState string

const (
	CbsdUnregistered CbsdState = "unregistered"
	CbsdRegistered   CbsdState = "registered"
)

type GrantState string

const (
	GrantNone       GrantState = ""
	GrantGranted    GrantState = "granted"
	GrantAuthorized GrantState = "authorized"
	GrantUnsync     GrantState = "unsync"
)

// ResponseCode is the WInnForum SAS-CBSD response code.
type ResponseCode int

const (
	CodeSuccess             ResponseCode = 0
	CodeVersion             ResponseCode = 100
	CodeBlacklisted         ResponseCode = 101
	CodeMissingParam        ResponseCode = 102
	CodeInvalidValue        ResponseCode = 103
	CodeCertError           ResponseCode = 104
	CodeDeregister          ResponseCode = 105
	CodeRegPending          ResponseCode = 200
	CodeGroupError          ResponseCode = 201
	CodeUnsupportedSpectrum ResponseCode = 300
	CodeInterference        ResponseCode = 400
	CodeGrantConflict       ResponseCode = 401
	CodeTerminatedGrant     ResponseCode = 500
	CodeSuspendedGrant      ResponseCode = 501
	CodeUnsyncOpParam       ResponseCode = 502
)

// Request is one queued protocol message owned by a CBSD.
type Request struct {
	ID         int64
	CbsdID     int64
	Type       RequestType
	State      RequestState
	Payload    json.RawMessage
	ClaimToken string
	Error      string
	ClaimedAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Cbsd struct {
	ID                   int64
	NetworkID            string
	FccID                string
	SerialNumber         string
	UserID               string
	CbsdID               string
	State                CbsdState
	DesiredState         CbsdState
	Channels             []Channel
	AvailableFrequencies []uint32
	UpdatedAt            time.Time
}

type Channel struct {
	LowFrequency  int64   `json:"low_frequency"`
	HighFrequency int64   `json:"high_frequency"`
	ChannelType   string  `json:"channel_type,omitempty"`
	RuleApplied   string  `json:"rule_applied,omitempty"`
	MaxEirp       float64 `json:"max_eirp"`
}

// GrantRecord is a SAS grant held by one CBSD. The name keeps it apart from the
// Grant request type.
type GrantRecord struct {
	ID                 int64
	CbsdID             int64
	GrantID            string
	State              GrantState
	LowFrequency       int64
	HighFrequency      int64
	MaxEirp            float64
	HeartbeatInterval  int
	GrantExpireTime    *time.Time
	TransmitExpireTime *time.Time
}
