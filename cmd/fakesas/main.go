// Command fakesas serves a fake SAS for local development and end-to-end
// runs of the controller.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"domainproxy/pkg/httpx"
	"domainproxy/pkg/models"
	"domainproxy/pkg/sas/sastest"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	signalContextFn = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

func main() {
	ctx, stop := signalContextFn()
	defer stop()
	if err := run(ctx, os.Args[1:], nil); err != nil {
		logFatalf("fakesas: %v", err)
	}
}

type options struct {
	addr     string
	prefix   string
	certFile string
	keyFile  string
	clientCA string
	debug    bool
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("fakesas", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var o options
	fs.StringVar(&o.addr, "addr", ":9000", "listen address")
	fs.StringVar(&o.prefix, "prefix", "/v1.2", "protocol version path prefix")
	fs.StringVar(&o.certFile, "cert", "", "server certificate (enables TLS)")
	fs.StringVar(&o.keyFile, "key", "", "server key")
	fs.StringVar(&o.clientCA, "client-ca", "", "require client certificates signed by this CA")
	fs.BoolVar(&o.debug, "debug", false, "log every batch")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if (o.certFile == "") != (o.keyFile == "") {
		return o, fmt.Errorf("-cert and -key must be set together")
	}
	if o.clientCA != "" && o.certFile == "" {
		return o, fmt.Errorf("-client-ca requires -cert")
	}
	return o, nil
}

// run serves until ctx ends. listen defaults to ListenAndServe or
// ListenAndServeTLS depending on the flags.
func run(ctx context.Context, args []string, listen func(*http.Server) error) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	zc := zap.NewProductionConfig()
	if o.debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	server := httpx.NewServer(o.addr, newRouter(sastest.New(), o.prefix, logger))
	if o.certFile != "" {
		server.TLSConfig, err = serverTLS(o.clientCA)
		if err != nil {
			return err
		}
	}
	if listen == nil {
		listen = func(s *http.Server) error {
			if o.certFile != "" {
				return s.ListenAndServeTLS(o.certFile, o.keyFile)
			}
			return s.ListenAndServe()
		}
	}
	logger.Info("fakesas listening", zap.String("addr", o.addr), zap.String("prefix", o.prefix), zap.Bool("tls", o.certFile != ""))
	return httpx.Serve(ctx, server, listen)
}

func serverTLS(clientCA string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if clientCA == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(filepath.Clean(clientCA))
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse client CA: no valid certificates")
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// newRouter mounts the fake under prefix plus an admin endpoint that forces
// response codes, e.g. POST /admin/codes/grant {"code":401}.
func newRouter(fake *sastest.Server, prefix string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			logger.Debug("request", zap.String("method", req.Method), zap.String("path", req.URL.Path))
			next.ServeHTTP(w, req)
		})
	})
	r.Mount(prefix, fake.Handler())
	r.Post("/admin/codes/{type}", func(w http.ResponseWriter, req *http.Request) {
		t, err := models.ParseRequestType(chi.URLParam(req, "type"))
		if err != nil {
			httpx.Error(w, http.StatusNotFound, err.Error())
			return
		}
		var body struct {
			Code *int `json:"code"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Code == nil {
			httpx.Error(w, http.StatusBadRequest, `expected {"code": <int>}`)
			return
		}
		fake.SetCode(t, models.ResponseCode(*body.Code))
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"type": t.String(), "code": *body.Code})
	})
	r.Get("/admin/calls", func(w http.ResponseWriter, req *http.Request) {
		out := make(map[string]int, len(models.AllRequestTypes))
		for _, t := range models.AllRequestTypes {
			out[t.String()] = fake.Calls(t)
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	})
	return r
}
