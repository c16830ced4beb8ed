package processor

import (
	"encoding/json"
	"time"

	"domainproxy/pkg/models"
)

const defaultMaxEirp = 37.0

type frequencyRange struct {
	LowFrequency  int64 `json:"lowFrequency"`
	HighFrequency int64 `json:"highFrequency"`
}

type operationParam struct {
	MaxEirp                 float64        `json:"maxEirp"`
	OperationFrequencyRange frequencyRange `json:"operationFrequencyRange"`
}

// requestDoc is the subset of any outbound item the effects need.
type requestDoc struct {
	FccID            string          `json:"fccId"`
	CbsdSerialNumber string          `json:"cbsdSerialNumber"`
	UserID           string          `json:"userId"`
	CbsdID           string          `json:"cbsdId"`
	GrantID          string          `json:"grantId"`
	OperationParam   *operationParam `json:"operationParam"`
}

type availableChannel struct {
	FrequencyRange frequencyRange `json:"frequencyRange"`
	ChannelType    string         `json:"channelType"`
	RuleApplied    string         `json:"ruleApplied"`
	MaxEirp        *float64       `json:"maxEirp"`
}

type responseStatus struct {
	ResponseCode    int             `json:"responseCode"`
	ResponseMessage string          `json:"responseMessage"`
	ResponseData    json.RawMessage `json:"responseData"`
}

// responseDoc is the union of fields SAS returns across message types.
type responseDoc struct {
	CbsdID             string             `json:"cbsdId"`
	GrantID            string             `json:"grantId"`
	Response           responseStatus     `json:"response"`
	HeartbeatInterval  int                `json:"heartbeatInterval"`
	GrantExpireTime    string             `json:"grantExpireTime"`
	TransmitExpireTime string             `json:"transmitExpireTime"`
	AvailableChannel   []availableChannel `json:"availableChannel"`
}

func (r responseDoc) code() models.ResponseCode {
	return models.ResponseCode(r.Response.ResponseCode)
}

// conflictingGrants reads responseData as a list of grant ids.
func (r responseDoc) conflictingGrants() []string {
	if len(r.Response.ResponseData) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(r.Response.ResponseData, &ids); err != nil {
		return nil
	}
	return ids
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func (c availableChannel) toModel() models.Channel {
	eirp := defaultMaxEirp
	if c.MaxEirp != nil {
		eirp = *c.MaxEirp
	}
	return models.Channel{
		LowFrequency:  c.FrequencyRange.LowFrequency,
		HighFrequency: c.FrequencyRange.HighFrequency,
		ChannelType:   c.ChannelType,
		RuleApplied:   c.RuleApplied,
		MaxEirp:       eirp,
	}
}
