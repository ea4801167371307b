package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

const (
	defaultKeyID = "harborrelay-key-1"
	defaultTTL   = time.Hour
	maxTTL       = 24 * time.Hour
)

// server issues tenant tokens and publishes the matching key set.
type server struct {
	issuer *auth.Issuer
	log    *logging.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("/token", s.createTokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	return mux
}

// jwksHandler serves the JWKS endpoint
func (s *server) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(s.issuer.JWKS())
}

// createTokenHandler handles token creation requests
func (s *server) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TenantID string `json:"tenant_id"`
		TTL      int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	token, err := s.issuer.Issue(req.TenantID, ttl)
	if err != nil {
		s.log.WithContext(r.Context()).WithTenant(req.TenantID).WithError(err).Error("sign token")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	s.log.WithContext(r.Context()).WithTenant(req.TenantID).Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jwks-server")

	key, err := auth.LoadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key")
	}
	kid := cfg.Auth.KeyID
	if kid == "" {
		kid = defaultKeyID
	}
	s := &server{issuer: auth.NewIssuer(key, kid, cfg.Auth.Issuer, cfg.Auth.Audience), log: logger}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}

	logger.Plain().WithFields(map[string]any{"port": port, "kid": kid}).Info("JWKS server starting")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
