package provisioner

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"xbtagent/internal/metrics"
)

const (
	eventPaymentSucceeded = "payment_succeeded"
	signatureHeader       = "X-Signature-256"
	maxBodyBytes          = 1 << 20
)

// ServerConfig configures the provisioning HTTP API.
type ServerConfig struct {
	Provisioner *Provisioner
	// WebhookSecret enables HMAC-SHA256 verification of /webhook bodies.
	WebhookSecret string
	Logger        *slog.Logger
}

// Server exposes provision, deprovision and the payment webhook over HTTP.
type Server struct {
	prov   *Provisioner
	secret string
	logger *slog.Logger
	mux    *http.ServeMux
}

type webhookEvent struct {
	Type string `json:"type"`
	Data Input  `json:"data"`
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		prov:   cfg.Provisioner,
		secret: cfg.WebhookSecret,
		logger: cfg.Logger,
	}
	s.mux = metrics.NewServeMux(metrics.Collector)
	s.mux.HandleFunc("POST /provision", s.handleProvision)
	s.mux.HandleFunc("POST /deprovision", s.handleDeprovision)
	s.mux.HandleFunc("POST /webhook", s.handleWebhook)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("provisioner server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("provisioner server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("provisioner server: %w", err)
	}
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in Input
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	s.provision(r.Context(), w, in)
}

func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		FID TenantID `json:"fid"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.FID == "" {
		writeError(w, http.StatusBadRequest, "Missing fid")
		return
	}

	metrics.DeprovisionRequests.Inc()
	if err := s.prov.Delete(r.Context(), string(req.FID)); err != nil {
		s.logger.Error("deprovisioning failed", "fid", req.FID, "err", err)
		writeError(w, http.StatusInternalServerError, "Deprovisioning failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "fid": string(req.FID)})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if s.secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			writeError(w, http.StatusUnauthorized, "Missing signature")
			return
		}
		if !verifyHMAC(body, s.secret, sig) {
			writeError(w, http.StatusForbidden, "Invalid signature")
			return
		}
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if ev.Type != eventPaymentSucceeded {
		writeError(w, http.StatusBadRequest, "Unsupported event")
		return
	}
	s.logger.Info("payment webhook received", "fid", ev.Data.FID)
	s.provision(r.Context(), w, ev.Data)
}

func (s *Server) provision(ctx context.Context, w http.ResponseWriter, in Input) {
	metrics.ProvisionRequests.Inc()

	err := s.prov.Create(ctx, in)
	var ve *ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "fid": string(in.FID)})
	case errors.As(err, &ve):
		metrics.ProvisionFailures.Inc()
		msg := "Missing required fields"
		if len(ve.Missing) == 0 {
			msg = ve.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
	default:
		metrics.ProvisionFailures.Inc()
		s.logger.Error("provisioning failed", "fid", in.FID, "err", err)
		writeError(w, http.StatusInternalServerError, "Provisioning failed")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
