// Package sastest is a fake SAS answering the six batch calls with
// plausible success documents. cmd/fakesas serves it; integration tests
// mount it on httptest TLS servers.
package sastest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"domainproxy/pkg/httpx"
	"domainproxy/pkg/models"
	"domainproxy/pkg/sas"

	"github.com/go-chi/chi/v5"
)

const maxRequestBytes = 4 << 20

type Server struct {
	// Now stamps expiry times. Defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	codes  map[models.RequestType]models.ResponseCode
	calls  map[models.RequestType]int
	grants int
}

func New() *Server {
	return &Server{
		Now:   time.Now,
		codes: map[models.RequestType]models.ResponseCode{},
		calls: map[models.RequestType]int{},
	}
}

// SetCode forces every item of t to be answered with code.
func (s *Server) SetCode(t models.RequestType, code models.ResponseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[t] = code
}

// Calls reports how many batches of t were answered.
func (s *Server) Calls(t models.RequestType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[t]
}

// Handler mounts POST /<type> for every message type.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.LimitBody(maxRequestBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fakesas"})
	})
	for _, t := range models.AllRequestTypes {
		t := t
		r.Post(t.Path(), func(w http.ResponseWriter, r *http.Request) { s.serve(w, r, t) })
	}
	return r
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, t models.RequestType) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	items, err := sas.DecodeEnvelope(t, body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.calls[t]++
	code := s.codes[t]
	s.mu.Unlock()

	out := make([]map[string]any, 0, len(items))
	for _, raw := range items {
		var req map[string]any
		_ = json.Unmarshal(raw, &req)
		out = append(out, s.respond(t, req, code))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{t.ResponseField(): out})
}

func (s *Server) respond(t models.RequestType, req map[string]any, code models.ResponseCode) map[string]any {
	str := func(k string) (string, bool) {
		v, ok := req[k].(string)
		return v, ok && v != ""
	}
	status := func(c models.ResponseCode) map[string]any {
		return map[string]any{"responseCode": int(c)}
	}
	resp := map[string]any{}
	cbsdID, hasCbsd := str("cbsdId")
	if hasCbsd {
		resp["cbsdId"] = cbsdID
	}
	switch t {
	case models.Registration:
		fcc, okF := str("fccId")
		serial, okS := str("cbsdSerialNumber")
		if !okF || !okS {
			resp["response"] = status(models.CodeMissingParam)
			return resp
		}
		resp["fccId"] = fcc
		resp["cbsdSerialNumber"] = serial
		if code == models.CodeSuccess {
			resp["cbsdId"] = fcc + "/" + serial
		}
	case models.SpectrumInquiry:
		if code == models.CodeSuccess {
			resp["availableChannel"] = []map[string]any{{
				"frequencyRange": map[string]any{"lowFrequency": 3550000000, "highFrequency": 3700000000},
				"channelType":    "GAA",
				"ruleApplied":    "FCC_PART_96",
				"maxEirp":        37.0,
			}}
		}
	case models.Grant:
		if !hasCbsd {
			resp["response"] = status(models.CodeMissingParam)
			return resp
		}
		if code == models.CodeSuccess {
			s.mu.Lock()
			s.grants++
			n := s.grants
			s.mu.Unlock()
			resp["grantId"] = fmt.Sprintf("fake_grant_id_%d", n)
			resp["channelType"] = "GAA"
			resp["heartbeatInterval"] = 60
			resp["grantExpireTime"] = s.Now().UTC().Add(24 * time.Hour).Truncate(time.Second).Format(time.RFC3339)
		}
	case models.Heartbeat, models.Relinquishment:
		if grantID, ok := str("grantId"); ok {
			resp["grantId"] = grantID
		}
		if t == models.Heartbeat && code == models.CodeSuccess {
			resp["transmitExpireTime"] = s.Now().UTC().Add(time.Minute).Truncate(time.Second).Format(time.RFC3339)
		}
	case models.Deregistration:
		if !hasCbsd {
			resp["response"] = status(models.CodeMissingParam)
			return resp
		}
	}
	resp["response"] = status(code)
	return resp
}
