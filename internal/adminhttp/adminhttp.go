// Package adminhttp implements the operator HTTP surface: health, readiness,
// and metrics endpoints, plus an optional bearer-token-gated diagnostics
// endpoint. This is ambient infrastructure the spec's Non-goals don't
// exclude (observability is never named as one) and gives the metrics
// Recorder and structured logs a place to be scraped from.
//
// Grounded on internal/server.Server's /healthz+/metrics surface for the
// endpoint shape, internal/serverutil.Run for the listen/serve/shutdown
// loop (reused unmodified), and internal/storage's pbkdf2 password-hash
// format (auth.go's hashPassword/verifyPassword) for the bearer-token
// comparison.
package adminhttp

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"bitriver-submerger/internal/observability/metrics"
)

const (
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
	tokenHashIterations = 120000
)

// HashToken derives the pbkdf2-encoded form of a raw bearer token, suitable
// for storing in configuration instead of the plaintext token.
func HashToken(token string, salt []byte) string {
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey)
}

// verifyToken reports whether candidate matches the pbkdf2-encoded hash.
func verifyToken(encodedHash, candidate string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	return len(derived) == len(storedKey) && subtle.ConstantTimeCompare(derived, storedKey) == 1
}

// SessionLister is the narrow session-store surface the /debug/sessions
// diagnostic reads.
type SessionLister interface {
	Len() int
}

// Config configures a Handler.
type Config struct {
	Metrics  *metrics.Recorder
	Sessions SessionLister

	// BearerTokenHash gates /debug/sessions when non-empty. Leave empty to
	// disable the diagnostics endpoint entirely.
	BearerTokenHash string

	Logger *slog.Logger
}

// NewMux builds the operator HTTP surface as an *http.ServeMux, ready to be
// wrapped in an *http.Server and driven by serverutil.Run.
func NewMux(cfg Config) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz)
	mux.Handle("/metrics", recorder.Handler())

	if cfg.BearerTokenHash != "" {
		mux.HandleFunc("/debug/sessions", handleDebugSessions(cfg.BearerTokenHash, cfg.Sessions, logger))
	}

	return mux
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func handleDebugSessions(tokenHash string, sessions SessionLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		candidate := strings.TrimPrefix(auth, "Bearer ")
		if candidate == auth || !verifyToken(tokenHash, candidate) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		active := 0
		if sessions != nil {
			active = sessions.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]int{"active_sessions": active}); err != nil {
			logger.Warn("adminhttp: encode debug sessions response failed", "error", err)
		}
	}
}

// Server aggregates the operator HTTP surface's lifecycle, keeping
// cmd/bot's wiring down to constructing a Config and calling Run.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server listening on addr.
func New(addr string, cfg Config) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewMux(cfg),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// HTTPServer exposes the underlying *http.Server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}
