package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/service"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	maxRequestSize           = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type MonitorService interface {
	Status() service.Status
	SendChat(ctx context.Context, user, text string) error
	ClearChatHistory(ctx context.Context) error
}

type ChatRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    MonitorService
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Service    MonitorService
	Metrics    http.Handler
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "status-server").Logger(),
		svc:    cfg.Service,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/status", srv.status)
	r.HandleFunc("POST /api/chat", srv.sendChat)
	r.HandleFunc("DELETE /api/chat/history", srv.clearHistory)
	r.HandleFunc("OPTIONS /", corsHandler)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.svc.Status()})
}

func (srv *Server) sendChat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var chatReq ChatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil || json.Unmarshal(body, &chatReq) != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Trace().Any("request", chatReq).Msg("got chat request")

	if err = srv.svc.SendChat(r.Context(), chatReq.User, chatReq.Text); err != nil {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := srv.svc.ClearChatHistory(r.Context()); err != nil {
		srv.writeJSON(w, http.StatusBadGateway, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("cannot marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
