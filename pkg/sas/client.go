package sas

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"domainproxy/pkg/httpx"
	"domainproxy/pkg/models"
	"domainproxy/pkg/telemetry"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	TLS        *tls.Config
	// Transport overrides the TLS transport, mostly for tests.
	Transport http.RoundTripper
	// FailureThreshold is the number of consecutive failed calls that opens
	// the breaker. Zero means 5.
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Logger           *zap.Logger
}

// Client sends one batch per message type to SAS.
type Client struct {
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("sas base url required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid sas base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = cfg.TLS
		transport = tr
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sas",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sas circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Client{
		baseURL:    base,
		http:       telemetry.InstrumentClient(&http.Client{Timeout: timeout, Transport: transport}),
		breaker:    breaker,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}, nil
}

// Send posts the merged payloads of t and returns SAS's response items in
// the order SAS sent them.
func (c *Client) Send(ctx context.Context, t models.RequestType, payloads []json.RawMessage) ([]json.RawMessage, error) {
	body, err := EncodeBatch(t, payloads)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL + t.Path()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		status, respBody, err := httpx.RequestJSON(ctx, c.http, http.MethodPost, endpoint, body, nil, c.retries, c.retryDelay)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		if status < 200 || status > 299 {
			return nil, fmt.Errorf("%w: %d from %s", ErrStatus, status, endpoint)
		}
		return respBody, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return nil, err
	}
	items, err := DecodeBatch(t, out.([]byte))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("sas batch answered",
		zap.String("request_type", t.String()),
		zap.Int("sent", len(payloads)),
		zap.Int("received", len(items)))
	return items, nil
}
