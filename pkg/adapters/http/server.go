package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/blockq"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/editor"
	"github.com/aretw0/blockq/pkg/projection"
	"github.com/aretw0/blockq/pkg/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RequesterHeader carries the identity recorded on executions enqueued over HTTP.
const RequesterHeader = "X-Blockq-Requester"

const maxBodyBytes = 1 << 20

// Server exposes a Document over HTTP.
type Server struct {
	Document *blockq.Document
	logger   *slog.Logger
	metrics  http.Handler
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewHandler creates a new HTTP handler for the document.
func NewHandler(doc *blockq.Document, opts ...Option) http.Handler {
	s := &Server{
		Document: doc,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Get("/blocks", s.ListBlocks)
	r.Route("/blocks/{blockID}", func(r chi.Router) {
		r.Put("/", s.PutBlock)
		r.Delete("/", s.DeleteBlock)
		r.Get("/label", s.GetLabel)
		r.Put("/label", s.PutLabel)

		r.Route("/fields/{field}", func(r chi.Router) {
			r.Get("/", s.GetField)
			r.Patch("/", s.EditField)
			r.Post("/confirm", s.ConfirmField)
			r.Post("/retry", s.RetryField)
			r.Get("/events", s.SubscribeField)
		})

		r.Route("/executions/{tag}", func(r chi.Router) {
			r.Get("/", s.GetExecutions)
			r.Post("/", s.EnqueueExecution)
			r.Delete("/", s.CancelExecution)
		})
	})

	r.Post("/environment/restart", s.Restart)

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+RequesterHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BlockRequest is the body of PUT /blocks/{blockID}.
type BlockRequest struct {
	InputType domain.InputType `json:"input_type"`
	Variable  string           `json:"variable"`
	Value     string           `json:"value"`
}

// LabelRequest is the body of PUT /blocks/{blockID}/label and its response.
type LabelRequest struct {
	Label string `json:"label"`
}

// EditRequest is the body of PATCH /blocks/{blockID}/fields/{field}.
type EditRequest struct {
	Value string `json:"value"`
}

// FieldResponse pairs a field's attribute with its presentation state.
type FieldResponse struct {
	Attribute domain.Attribute[string] `json:"attribute"`
	View      projection.FieldView     `json:"view"`
}

// ExecutionsResponse is the execution history of a key, most recent first.
type ExecutionsResponse struct {
	Busy  bool                           `json:"busy"`
	Items []domain.ExecutionItem[string] `json:"items"`
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"app":     "blockq-http",
		"version": strings.TrimSpace(blockq.Version),
		"epoch":   s.Document.Epoch(),
	})
}

// ListBlocks handles the GET /blocks request.
func (s *Server) ListBlocks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Document.Blocks())
}

// PutBlock handles the PUT /blocks/{blockID} request. Adding a known block is a no-op.
func (s *Server) PutBlock(w http.ResponseWriter, r *http.Request) {
	var body BlockRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.InputType == "" {
		body.InputType = domain.InputTypeText
	}
	if !body.InputType.Valid() {
		http.Error(w, fmt.Sprintf("Invalid input type %q", body.InputType), http.StatusBadRequest)
		return
	}

	ib, err := s.Document.AddInputBlock(r.Context(), blockID(r), body.InputType, body.Variable, body.Value)
	if err != nil {
		s.fail(w, "PutBlock", err)
		return
	}
	s.writeJSON(w, http.StatusOK, ib.Block())
}

// DeleteBlock handles the DELETE /blocks/{blockID} request.
func (s *Server) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.Document.RemoveBlock(r.Context(), blockID(r)); err != nil {
		s.fail(w, "DeleteBlock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLabel handles the GET /blocks/{blockID}/label request.
func (s *Server) GetLabel(w http.ResponseWriter, r *http.Request) {
	ib, err := s.Document.Block(blockID(r))
	if err != nil {
		s.fail(w, "GetLabel", err)
		return
	}
	label, err := ib.Label(r.Context())
	if err != nil {
		s.fail(w, "GetLabel", err)
		return
	}
	s.writeJSON(w, http.StatusOK, LabelRequest{Label: label})
}

// PutLabel handles the PUT /blocks/{blockID}/label request.
func (s *Server) PutLabel(w http.ResponseWriter, r *http.Request) {
	var body LabelRequest
	if !s.decode(w, r, &body) {
		return
	}
	ib, err := s.Document.Block(blockID(r))
	if err != nil {
		s.fail(w, "PutLabel", err)
		return
	}
	label, err := ib.SetLabel(r.Context(), body.Label)
	if err != nil {
		s.fail(w, "PutLabel", err)
		return
	}
	s.writeJSON(w, http.StatusOK, LabelRequest{Label: label})
}

// GetField handles the GET /blocks/{blockID}/fields/{field} request.
func (s *Server) GetField(w http.ResponseWriter, r *http.Request) {
	ib, field, ok := s.field(w, r)
	if !ok {
		return
	}
	attr, err := ib.Attribute(r.Context(), field)
	if err != nil {
		s.fail(w, "GetField", err)
		return
	}
	s.respondField(w, r, http.StatusOK, field, attr)
}

// EditField handles the PATCH /blocks/{blockID}/fields/{field} request.
func (s *Server) EditField(w http.ResponseWriter, r *http.Request) {
	ib, field, ok := s.field(w, r)
	if !ok {
		return
	}
	var body EditRequest
	if !s.decode(w, r, &body) {
		return
	}

	attr, err := ib.Edit(r.Context(), field, body.Value)
	if err != nil {
		s.fail(w, "EditField", err)
		return
	}
	s.respondField(w, r, http.StatusOK, field, attr)
}

// ConfirmField handles the POST /blocks/{blockID}/fields/{field}/confirm request.
func (s *Server) ConfirmField(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "ConfirmField", (*editor.InputBlock).Confirm)
}

// RetryField handles the POST /blocks/{blockID}/fields/{field}/retry request.
func (s *Server) RetryField(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "RetryField", (*editor.InputBlock).Retry)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, op string, fn func(*editor.InputBlock, context.Context, editor.Field) (editor.Confirmation, error)) {
	ib, field, ok := s.field(w, r)
	if !ok {
		return
	}
	conf, err := fn(ib, r.Context(), field)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	status := http.StatusOK
	if conf.Enqueued() {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, conf)
}

// SubscribeField handles the GET /blocks/{blockID}/fields/{field}/events request (SSE).
// Each event carries the field's current FieldView.
func (s *Server) SubscribeField(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeField: Streaming not supported")
		return
	}
	field, err := editor.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	views, err := s.Document.Watch(r.Context(), blockID(r), field)
	if err != nil {
		s.fail(w, "SubscribeField", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logger.Info("SSE: Subscribing to field updates", "block", blockID(r), "field", field)
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE Client Disconnected", "block", blockID(r), "field", field)
			return
		case view, ok := <-views:
			if !ok {
				return
			}
			data, err := json.Marshal(view)
			if err != nil {
				s.logger.Error("SSE: encode view failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: field\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// GetExecutions handles the GET /blocks/{blockID}/executions/{tag} request.
func (s *Server) GetExecutions(w http.ResponseWriter, r *http.Request) {
	id, tag, ok := s.key(w, r)
	if !ok {
		return
	}
	q := s.Document.Queue()
	items := q.Executions(id, tag)
	if items == nil {
		items = []domain.ExecutionItem[string]{}
	}
	s.writeJSON(w, http.StatusOK, ExecutionsResponse{Busy: q.Busy(id, tag), Items: items})
}

// EnqueueExecution handles the POST /blocks/{blockID}/executions/{tag} request. The
// candidate is the attribute's current NewValue; the item is stamped with the current epoch.
func (s *Server) EnqueueExecution(w http.ResponseWriter, r *http.Request) {
	id, tag, ok := s.key(w, r)
	if !ok {
		return
	}
	requester := r.Header.Get(RequesterHeader)
	if requester == "" {
		requester = "http"
	}

	item, err := s.Document.Queue().Enqueue(r.Context(), queue.EnqueueRequest{
		BlockID:     id,
		Tag:         tag,
		RequesterID: requester,
		Epoch:       s.Document.Epoch(),
	})
	if err != nil {
		s.fail(w, "EnqueueExecution", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, item)
}

// CancelExecution handles the DELETE /blocks/{blockID}/executions/{tag} request.
func (s *Server) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, tag, ok := s.key(w, r)
	if !ok {
		return
	}
	if err := s.Document.Queue().Cancel(r.Context(), id, tag); err != nil {
		s.fail(w, "CancelExecution", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restart handles the POST /environment/restart request.
func (s *Server) Restart(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.Document.Restart(r.Context())
	if err != nil {
		s.fail(w, "Restart", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]domain.Epoch{"epoch": epoch})
}

// -- Helpers --

func blockID(r *http.Request) domain.BlockID {
	return domain.BlockID(chi.URLParam(r, "blockID"))
}

func (s *Server) field(w http.ResponseWriter, r *http.Request) (*editor.InputBlock, editor.Field, bool) {
	field, err := editor.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, "", false
	}
	ib, err := s.Document.Block(blockID(r))
	if err != nil {
		s.fail(w, "field", err)
		return nil, "", false
	}
	return ib, field, true
}

func (s *Server) key(w http.ResponseWriter, r *http.Request) (domain.BlockID, domain.ExecutionTag, bool) {
	tag := domain.ExecutionTag(chi.URLParam(r, "tag"))
	if _, ok := domain.LookupTag(tag); !ok {
		http.Error(w, fmt.Sprintf("Unknown execution tag %q", tag), http.StatusNotFound)
		return "", "", false
	}
	id := blockID(r)
	if _, err := s.Document.Block(id); err != nil {
		s.fail(w, "key", err)
		return "", "", false
	}
	return id, tag, true
}

func (s *Server) respondField(w http.ResponseWriter, r *http.Request, status int, field editor.Field, attr domain.Attribute[string]) {
	view, err := s.Document.Field(r.Context(), blockID(r), field)
	if err != nil {
		s.fail(w, "respondField", err)
		return
	}
	s.writeJSON(w, status, FieldResponse{Attribute: attr, View: view})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("Invalid request body", "path", r.URL.Path, "error", err)
		return false
	}
	return true
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBlockNotFound), errors.Is(err, domain.ErrAttributeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownTag), errors.Is(err, editor.ErrInvalidUTF8):
		status = http.StatusBadRequest
	case errors.Is(err, editor.ErrInputTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrIneligible):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, blockq.ErrReadOnlyEpoch):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
	} else {
		s.logger.Debug(op+" rejected", "status", status, "error", err)
	}
	http.Error(w, fmt.Sprintf("%s: %v", op, err), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
