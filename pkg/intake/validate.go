package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"domainproxy/pkg/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type frequencyRange struct {
	LowFrequency  int64 `json:"lowFrequency" validate:"required,gte=3550000000,ltefield=HighFrequency"`
	HighFrequency int64 `json:"highFrequency" validate:"required,lte=3700000000"`
}

type operationParam struct {
	MaxEirp                 *float64       `json:"maxEirp" validate:"required,gte=-137,lte=37"`
	OperationFrequencyRange frequencyRange `json:"operationFrequencyRange" validate:"required"`
}

type registrationItem struct {
	UserID           string `json:"userId" validate:"required"`
	FccID            string `json:"fccId" validate:"required,max=19"`
	CbsdSerialNumber string `json:"cbsdSerialNumber" validate:"required,max=64"`
}

type spectrumInquiryItem struct {
	CbsdID           string           `json:"cbsdId" validate:"required"`
	InquiredSpectrum []frequencyRange `json:"inquiredSpectrum" validate:"omitempty,dive"`
}

type grantItem struct {
	CbsdID         string          `json:"cbsdId" validate:"required"`
	OperationParam *operationParam `json:"operationParam" validate:"required"`
}

type heartbeatItem struct {
	CbsdID         string `json:"cbsdId" validate:"required"`
	GrantID        string `json:"grantId" validate:"required"`
	OperationState string `json:"operationState" validate:"required,oneof=AUTHORIZED GRANTED"`
}

type relinquishmentItem struct {
	CbsdID  string `json:"cbsdId" validate:"required"`
	GrantID string `json:"grantId" validate:"required"`
}

type deregistrationItem struct {
	CbsdID string `json:"cbsdId" validate:"required"`
}

// item carries the identity fields used to attach a queued row to a CBSD.
type item struct {
	FccID            string
	CbsdSerialNumber string
	UserID           string
	CbsdID           string
}

// ItemError reports the first invalid item of a batch.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// validateItem decodes raw as a t item and checks its required fields.
func validateItem(t models.RequestType, raw json.RawMessage) (item, error) {
	var out item
	var target any
	switch t {
	case models.Registration:
		target = &registrationItem{}
	case models.SpectrumInquiry:
		target = &spectrumInquiryItem{}
	case models.Grant:
		target = &grantItem{}
	case models.Heartbeat:
		target = &heartbeatItem{}
	case models.Relinquishment:
		target = &relinquishmentItem{}
	case models.Deregistration:
		target = &deregistrationItem{}
	default:
		return out, fmt.Errorf("unknown request type %v", t)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(target); err != nil {
		return out, describe(err)
	}
	switch v := target.(type) {
	case *registrationItem:
		out = item{FccID: v.FccID, CbsdSerialNumber: v.CbsdSerialNumber, UserID: v.UserID}
	case *spectrumInquiryItem:
		out.CbsdID = v.CbsdID
	case *grantItem:
		out.CbsdID = v.CbsdID
	case *heartbeatItem:
		out.CbsdID = v.CbsdID
	case *relinquishmentItem:
		out.CbsdID = v.CbsdID
	case *deregistrationItem:
		out.CbsdID = v.CbsdID
	}
	return out, nil
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
