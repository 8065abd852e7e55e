// Package webhook implements the authenticated ingress: POST /hook/<id>
// validates a JSON payload against the entry's field schema, screens the
// text for injection attempts, and hands the assembled prompt off for
// asynchronous background execution.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/valetbot/valet/pkg/valet/prompt"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// maxBodyBytes bounds request bodies well above any valid payload.
const maxBodyBytes = 64 * 1024

// Dispatcher receives accepted webhook fires.
type Dispatcher interface {
	DispatchWebhook(w *schedule.Webhook, firePrompt string)
}

// Server is the webhook HTTP listener.
type Server struct {
	store    *schedule.Store
	secret   string
	dispatch Dispatcher
	logger   *slog.Logger
	http     *http.Server
}

// NewServer creates the listener on addr.
func NewServer(store *schedule.Store, secret, addr string, dispatch Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		secret:   secret,
		dispatch: dispatch,
		logger:   logger.With("component", "webhook"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook/{id}", s.handleHook)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("webhook listener starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook listener: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := r.PathValue("id")
	hook, ok := s.store.Webhook(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	fields, err := validatePayload(hook, body)
	if err != nil {
		s.logger.Warn("payload rejected", "id", id, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if flagged := screenFields(fields); len(flagged) > 0 {
		s.logger.Warn("payload fields redacted", "id", id, "fields", flagged)
	}

	firePrompt := BuildPrompt(hook, fields)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, `{"status":"accepted"}`+"\n")

	// Dispatch after replying: acceptance is not execution.
	go s.dispatch.DispatchWebhook(hook, firePrompt)
	s.logger.Info("webhook accepted", "id", id)
}

// writeError replies with the JSON error shape callers script against.
func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// authorized does a constant-time bearer token check.
func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || s.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

// BuildPrompt assembles the fire prompt: untrusted data first, then the
// interpolated task.
func BuildPrompt(hook *schedule.Webhook, fields map[string]any) string {
	var b strings.Builder
	b.WriteString(prompt.WebhookTag(hook.ID))
	b.WriteString("\n\nWEBHOOK DATA (untrusted):\n")

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %v\n", name, fields[name])
	}

	b.WriteString("\nTASK:\n")
	b.WriteString(interpolate(hook.Message, fields))
	return b.String()
}

// interpolate substitutes {name} placeholders with field values. Unknown
// placeholders are left intact.
func interpolate(template string, fields map[string]any) string {
	out := template
	for name, value := range fields {
		out = strings.ReplaceAll(out, "{"+name+"}", fmt.Sprintf("%v", value))
	}
	return out
}
