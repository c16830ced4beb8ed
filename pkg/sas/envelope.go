package sas

import (
	"encoding/json"
	"errors"
	"fmt"

	"domainproxy/pkg/models"
)

var (
	ErrTransport         = errors.New("sas transport failure")
	ErrStatus            = errors.New("sas returned non-2xx status")
	ErrMalformedResponse = errors.New("sas response is malformed")
)

// EncodeBatch builds the {"<type>Request": [...]} body.
func EncodeBatch(t models.RequestType, payloads []json.RawMessage) ([]byte, error) {
	if payloads == nil {
		payloads = []json.RawMessage{}
	}
	return json.Marshal(map[string][]json.RawMessage{t.RequestField(): payloads})
}

// DecodeBatch extracts the ordered items of a {"<type>Response": [...]} body.
func DecodeBatch(t models.RequestType, body []byte) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	raw, ok := envelope[t.ResponseField()]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedResponse, t.ResponseField())
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %s is not an array", ErrMalformedResponse, t.ResponseField())
	}
	return items, nil
}

// DecodeEnvelope is the inbound counterpart of EncodeBatch.
func DecodeEnvelope(t models.RequestType, body []byte) ([]json.RawMessage, error) {
	var envelope map[string][]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	items, ok := envelope[t.RequestField()]
	if !ok {
		return nil, fmt.Errorf("missing %s", t.RequestField())
	}
	return items, nil
}

// ParseDocument decodes one item for key extraction.
func ParseDocument(raw json.RawMessage) Document {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return Document{}
	}
	return doc
}
