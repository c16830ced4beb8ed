// Package processor correlates SAS response arrays with the request rows
// that produced them and applies each answer to CBSD and grant state.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/models"
	"domainproxy/pkg/sas"

	"go.uber.org/zap"
)

var (
	ErrCorrelationMismatch = errors.New("response key does not match request key")
	ErrLengthMismatch      = errors.New("sas returned fewer responses than requests")
	ErrUnmatchableKey      = errors.New("correlation key has empty segments")
	ErrMalformedItem       = errors.New("response item cannot be decoded")
)

// Completion reasons stored on request rows finished with an error.
const (
	ReasonCorrelationMismatch = "correlation_mismatch"
	ReasonLengthMismatch      = "length_mismatch"
	ReasonUnmatchableKey      = "unmatchable_key"
	ReasonMalformedResponse   = "malformed_response"
)

// Outcome describes what happened to one sent request.
type Outcome struct {
	RequestID int64
	Key       string
	Code      models.ResponseCode
	Err       error
}

type Result struct {
	Type models.RequestType
	// Matched counts rows whose response was applied.
	Matched int
	// Failed counts rows completed with an error.
	Failed int
	// DroppedResponses counts surplus response items with no request.
	DroppedResponses int
	Outcomes         []Outcome
}

func (r *Result) add(o Outcome) {
	if o.Err != nil {
		r.Failed++
	} else {
		r.Matched++
	}
	r.Outcomes = append(r.Outcomes, o)
}

type Correlator struct {
	logger *zap.Logger
}

func NewCorrelator(logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{logger: logger}
}

// Correlate walks sent and responses in lockstep. Every sent row ends up
// completed, with an error reason when its response could not be matched.
// A returned error comes from the store and means the caller must roll
// the whole transaction back.
func (c *Correlator) Correlate(ctx context.Context, st Store, t models.RequestType, sent []models.Request, responses []json.RawMessage) (Result, error) {
	sas.StrategyFor(t) // panics outside the closed set, even for empty batches
	res := Result{Type: t, Outcomes: make([]Outcome, 0, len(sent))}
	if refs := batchRefs(t, sent); !refs.Empty() {
		if err := st.LockCbsds(ctx, refs); err != nil {
			return res, err
		}
	}
	n := len(sent)
	if len(responses) < n {
		n = len(responses)
	}
	for i := 0; i < n; i++ {
		o, err := c.correlateOne(ctx, st, t, sent[i], responses[i])
		if err != nil {
			return res, err
		}
		res.add(o)
	}
	for _, r := range sent[n:] {
		if err := st.CompleteRequest(ctx, r.ID, r.ClaimToken, ReasonLengthMismatch); err != nil {
			return res, err
		}
		res.add(Outcome{RequestID: r.ID, Err: ErrLengthMismatch})
	}
	if len(sent[n:]) > 0 {
		c.logger.Warn("sas answered fewer items than sent",
			zap.String("request_type", t.String()),
			zap.Int("sent", len(sent)),
			zap.Int("received", len(responses)))
	}
	if extra := len(responses) - n; extra > 0 {
		res.DroppedResponses = extra
		c.logger.Warn("dropping surplus sas responses",
			zap.String("request_type", t.String()),
			zap.Int("sent", len(sent)),
			zap.Int("received", len(responses)))
	}
	return res, nil
}

func (c *Correlator) correlateOne(ctx context.Context, st Store, t models.RequestType, r models.Request, raw json.RawMessage) (Outcome, error) {
	reqKey := sas.RequestKey(t, sas.ParseDocument(r.Payload))
	respKey := sas.ResponseKey(t, sas.ParseDocument(raw))
	o := Outcome{RequestID: r.ID, Key: reqKey}

	var reason string
	switch {
	case sas.Unmatchable(reqKey) || sas.Unmatchable(respKey):
		o.Err = fmt.Errorf("%w: request %q response %q", ErrUnmatchableKey, reqKey, respKey)
		reason = ReasonUnmatchableKey
	case reqKey != respKey:
		o.Err = fmt.Errorf("%w: request %q response %q", ErrCorrelationMismatch, reqKey, respKey)
		reason = ReasonCorrelationMismatch
	}

	var (
		req  requestDoc
		resp responseDoc
	)
	if o.Err == nil {
		if err := json.Unmarshal(raw, &resp); err != nil {
			o.Err = fmt.Errorf("%w: %v", ErrMalformedItem, err)
			reason = ReasonMalformedResponse
		}
	}
	if o.Err != nil {
		c.logger.Warn("completing request with correlation error",
			zap.String("request_type", t.String()),
			zap.Int64("request_id", r.ID),
			zap.Error(o.Err))
		return o, st.CompleteRequest(ctx, r.ID, r.ClaimToken, reason)
	}
	// Request payloads were validated on intake; a decode error only
	// leaves unknown fields empty.
	_ = json.Unmarshal(r.Payload, &req)
	o.Code = resp.code()

	cbsdID, err := c.apply(ctx, st, t, req, resp)
	if err != nil {
		return o, fmt.Errorf("apply %s response for request %d: %w", t, r.ID, err)
	}
	if cbsdID == 0 {
		cbsdID = r.CbsdID
	}
	if err := st.LogResponse(ctx, audit.Entry{
		RequestID:       r.ID,
		RequestType:     t.String(),
		CbsdID:          cbsdID,
		RequestPayload:  r.Payload,
		ResponsePayload: raw,
		ResponseCode:    int(o.Code),
	}); err != nil {
		return o, err
	}
	if o.Code != models.CodeSuccess {
		c.logger.Info("sas rejected request",
			zap.String("request_type", t.String()),
			zap.Int64("request_id", r.ID),
			zap.String("key", reqKey),
			zap.Int("response_code", int(o.Code)))
	}
	return o, st.CompleteRequest(ctx, r.ID, r.ClaimToken, "")
}
