// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// NewRouter cria o http.Handler da API de status. Aplica a ACL em todas as rotas.
func NewRouter(tracker *Tracker, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/session", makeSessionHandler(tracker))
	mux.HandleFunc("GET /api/v1/session/clients", makeClientsHandler(tracker))
	mux.HandleFunc("POST /api/v1/session/start", makeStartHandler(tracker))
	mux.HandleFunc("GET /api/v1/sessions", makeHistoryHandler(tracker))

	return acl.Middleware(mux)
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(startTime).String(),
		"version": Version,
		"go":      runtime.Version(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func makeSessionHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := tracker.Status()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func makeClientsHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := tracker.Status()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
			return
		}
		writeJSON(w, http.StatusOK, st.Clients)
	}
}

func makeStartHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tracker.Start() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
	}
}

func makeHistoryHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := tracker.History()
		if h == nil {
			writeJSON(w, http.StatusOK, []SessionRecord{})
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}
		writeJSON(w, http.StatusOK, h.Recent(limit))
	}
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Server é o listener HTTP da API de status.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen abre o listener. O serviço começa em Serve.
func Listen(addr string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening observability api on %s: %w", addr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr retorna o endereço efetivo do listener.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve atende em background até Shutdown.
func (s *Server) Serve() {
	s.logger.Info("observability api listening", "addr", s.ln.Addr().String())
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability api stopped", "error", err)
		}
	}()
}

// Shutdown encerra o servidor aguardando requisições em andamento.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
