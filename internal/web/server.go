// Package web serves device commands over HTTP, streaming each command's results back to the
// client as newline-delimited JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/transport"
)

// Server runs commands from a Registry. Every request in progress is a task in the server's
// TaskHolder, so shutting the server down cancels and waits for all of them.
type Server struct {
	sig      *strobe.Signal[struct{}]
	holder   *strobe.TaskHolder
	registry *Registry
	env      Env
	logger   *slog.Logger
	http     *http.Server
}

// New creates a Server bound to a child of final. env.Final is replaced with the server's Signal.
func New(final *strobe.Signal[struct{}], registry *Registry, env Env, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	sig := strobe.NewChild(final, "web")
	env.Final = sig

	s := &Server{
		sig:      sig,
		holder:   strobe.NewTaskHolder(sig, "web", strobe.WithHolderLogger(logger)),
		registry: registry,
		env:      env,
		logger:   logger,
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sig.Context() },
	}
	return s
}

func (s *Server) Signal() *strobe.Signal[struct{}] { return s.sig }
func (s *Server) Holder() *strobe.TaskHolder       { return s.holder }

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/command", s.handleCommand)
	mux.HandleFunc("GET /v1/commands", s.handleCommands)
	mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	return mux
}

// Serve accepts connections on ln until the server's Signal finishes or Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	stop := s.sig.OnDone(func(strobe.Outcome[struct{}]) {
		// Shutdown blocks until requests finish, so it can't run inside the callback
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.http.Shutdown(ctx)
		}()
	})
	defer stop()

	s.logger.Info("web: serving", "addr", ln.Addr().String())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, cancels every request in progress, and waits for them to
// finish or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.sig.Cancel()
	err := s.http.Shutdown(ctx)
	if werr := s.holder.TryWait(ctx); werr != nil && err == nil {
		err = werr
	}
	return err
}

type commandRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

// ResultLine is a single line of a command's response
type ResultLine struct {
	Context    string `json:"context"`
	Successful bool   `json:"successful"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
}

type replyValue struct {
	Type    string `json:"type"`
	Serial  string `json:"serial"`
	Message any    `json:"message"`
}

func lineFor(r strobe.Result) ResultLine {
	line := ResultLine{Context: fmt.Sprint(r.Context), Successful: r.Successful}
	if !r.Successful {
		line.Error = r.Err().Error()
		return line
	}

	switch v := r.Value.(type) {
	case transport.Reply:
		line.Value = replyValue{
			Type:    v.Packet.Message.Type().String(),
			Serial:  v.Packet.Target.String(),
			Message: v.Packet.Message,
		}
	case fmt.Stringer:
		line.Value = v.String()
	default:
		line.Value = v
	}
	return line
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, fmt.Errorf("invalid request: %w", err), http.StatusBadRequest)
		return
	}

	cmd, ok := s.registry.Lookup(req.Command)
	if !ok {
		respondError(w, fmt.Errorf("unknown command %q", req.Command), http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnShutdown := context.AfterFunc(s.sig.Context(), cancel)
	defer stopOnShutdown()

	streamer, err := cmd(ctx, s.env, req.Args)
	if err != nil {
		respondError(w, err, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	task := s.holder.Add("command/"+req.Command, func(tctx context.Context) error {
		defer streamer.Stop()

		enc := json.NewEncoder(w)
		for result := range streamer.All(tctx) {
			if err := enc.Encode(lineFor(result)); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	})
	stopOnDisconnect := context.AfterFunc(ctx, task.Cancel)
	defer stopOnDisconnect()

	<-task.Done()
	if err := task.Err(); err != nil && !strobe.IsCancelled(err) {
		s.logger.Warn("web: command failed", "command", req.Command, "error", err)
	}
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.registry.Names())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.holder.Tasks()
	if tasks == nil {
		tasks = []strobe.TaskInfo{}
	}
	respondJSON(w, tasks)
}

type deviceJSON struct {
	Serial   string    `json:"serial"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := []deviceJSON{}
	for _, d := range s.env.Finder.Devices() {
		devices = append(devices, deviceJSON{Serial: d.Serial.String(), Addr: d.Addr.String(), LastSeen: d.LastSeen})
	}
	respondJSON(w, devices)
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
