package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/engine"
	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/shape"
	"github.com/tsawler/trainviz/store"
	"github.com/tsawler/trainviz/viz"
)

const maxBodyBytes = 32 << 20

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server's logger
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithModelName sets the name shown in plot titles
func WithModelName(name string) Option {
	return func(s *Server) { s.modelName = name }
}

// WithEventBuffer sets the per-connection event buffer
func WithEventBuffer(n int) Option {
	return func(s *Server) { s.eventBuffer = n }
}

// Server exposes a store over HTTP and WebSocket
type Server struct {
	store       *store.Store
	logger      *log.Logger
	modelName   string
	eventBuffer int
	upgrader    websocket.Upgrader
	mux         *http.ServeMux
}

// New creates a server for st
func New(st *store.Store, opts ...Option) *Server {
	s := &Server{
		store:       st,
		modelName:   "model",
		eventBuffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("POST /api/command", s.handleCommand)
	s.mux.HandleFunc("POST /api/dataset", s.handleDataset)
	s.mux.HandleFunc("PUT /api/model", s.handleModel)
	s.mux.HandleFunc("PUT /api/training", s.handleTraining)
	s.mux.HandleFunc("GET /api/plots/{type}", s.handlePlot)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[server] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("[server] failed to write response: %v", err)
	}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string        `json:"error"`
	Kind   string        `json:"kind"`
	Result *shape.Result `json:"result,omitempty"`
}

// writeError maps the store's error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	s.writeJSON(w, status, body)
}

func classify(err error) (int, ErrorResponse) {
	var gate *store.ShapeGateError
	switch {
	case errors.As(err, &gate):
		res := gate.Result
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: "shape_issues", Result: &res}
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "invalid_transition"}
	case errors.Is(err, store.ErrNoDataset), errors.Is(err, store.ErrNoModelConfig):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "configuration"}
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Kind: "closed"}
	case errors.Is(err, shape.ErrNotApplicable):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: "not_applicable"}
	default:
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "invalid_request"}
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"state":       s.store.Snapshot().State,
		"cpu":         engine.CPUDescription(),
		"parallelism": engine.Parallelism(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// CommandRequest is a control command sent over HTTP or WebSocket
type CommandRequest struct {
	Command           string             `json:"command"`
	Step              protocol.StepKind  `json:"step,omitempty"`
	Speed             *protocol.Speed    `json:"speed,omitempty"`
	IgnoreShapeIssues bool               `json:"ignoreShapeIssues,omitempty"`
	Suggestions       []shape.Suggestion `json:"suggestions,omitempty"`
}

// CommandResponse acknowledges an accepted command
type CommandResponse struct {
	OK     bool          `json:"ok"`
	Status store.Status  `json:"status"`
	Result *shape.Result `json:"result,omitempty"`
}

// Execute applies one command to the store
func (s *Server) Execute(req CommandRequest) (CommandResponse, error) {
	var startOpts []store.StartOption
	if req.IgnoreShapeIssues {
		startOpts = append(startOpts, store.IgnoreShapeIssues())
	}

	var result *shape.Result
	var err error
	switch req.Command {
	case "start":
		err = s.store.Start(startOpts...)
	case "pause":
		err = s.store.Pause()
	case "resume":
		err = s.store.Resume()
	case "stop":
		err = s.store.Stop()
	case "reset":
		err = s.store.Reset()
	case "new_run":
		err = s.store.NewRun(startOpts...)
	case "step":
		kind := req.Step
		if kind == "" {
			kind = protocol.StepBatch
		}
		err = s.store.Step(kind)
	case "speed":
		if req.Speed == nil {
			err = errors.New("speed command requires a speed value")
			break
		}
		err = s.store.SetSpeed(*req.Speed)
	case "auto_fix":
		err = s.store.AutoFix()
	case "validate":
		var res shape.Result
		if res, err = s.store.ValidateShapes(); err == nil {
			result = &res
		}
	case "apply_suggestions":
		suggestions := req.Suggestions
		if suggestions == nil {
			var res shape.Result
			if res, err = s.store.ValidateShapes(); err != nil {
				break
			}
			suggestions = res.Suggestions
		}
		err = s.store.ApplySuggestions(shape.Result{Suggestions: suggestions})
	default:
		err = fmt.Errorf("unknown command %q", req.Command)
	}
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{OK: true, Status: s.store.Snapshot().Status, Result: result}, nil
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.Execute(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// DatasetRequest loads data either from a synthetic preset or from rows.
// Exactly one of Ys, Targets and Labels accompanies Xs.
type DatasetRequest struct {
	Name    string      `json:"name,omitempty"`
	Preset  string      `json:"preset,omitempty"`
	Samples int         `json:"samples,omitempty"`
	Seed    int64       `json:"seed,omitempty"`
	Xs      [][]float64 `json:"xs,omitempty"`
	Ys      [][]float64 `json:"ys,omitempty"`
	Targets []float64   `json:"targets,omitempty"`
	Labels  []string    `json:"labels,omitempty"`
}

// Build constructs the dataset described by the request
func (req DatasetRequest) Build() (*dataset.Dataset, error) {
	if req.Preset != "" {
		n := req.Samples
		if n <= 0 {
			n = 200
		}
		return dataset.Generate(req.Preset, n, req.Seed)
	}
	name := req.Name
	if name == "" {
		name = "custom"
	}
	switch {
	case req.Labels != nil:
		return dataset.FromLabels(name, req.Xs, req.Labels)
	case req.Targets != nil:
		return dataset.FromTargets(name, req.Xs, req.Targets)
	default:
		return dataset.New(name, req.Xs, req.Ys)
	}
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	var req DatasetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ds, err := req.Build()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetDataset(ds); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Printf("[server] loaded dataset %q: %d samples, %d features", ds.Name, ds.Len(), ds.InputWidth())
	s.writeJSON(w, http.StatusOK, s.store.Snapshot().Dataset)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	var cfg layers.ModelConfig
	if err := decodeBody(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	for i := range cfg.Layers {
		if cfg.Layers[i].ID == "" {
			cfg.Layers[i].ID = layers.NewLayerID()
		}
	}
	if err := s.store.SetModelConfig(cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Snapshot().ModelConfig)
}

func (s *Server) handleTraining(w http.ResponseWriter, r *http.Request) {
	var tc protocol.TrainingConfig
	if err := decodeBody(r, &tc); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetTrainingConfig(tc); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Snapshot().TrainingConfig)
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	pt, err := viz.ParsePlotType(r.PathValue("type"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Kind: "not_found"})
		return
	}
	plot, err := viz.Build(pt, viz.SourceFromSnapshot(s.modelName, s.store.Snapshot()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plot)
}
