package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/embeddings"
	"github.com/raaihank/embedding-server/internal/websocket"
)

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// handleEmbeddings handles POST /v1/embeddings
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := RequestID(r.Context())

	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, requestID, err)
		s.publish(r, requestID, nil, err, time.Since(start))
		return
	}
	req.RequestID = requestID

	resp, err := s.deps.Service.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, requestID, err)
		s.publish(r, requestID, nil, err, time.Since(start))
		return
	}

	writeJSON(w, http.StatusOK, resp)
	s.publish(r, requestID, resp, nil, time.Since(start))
}

// decodeRequest reads the request body. Bodies cut off by the size limit map to 413.
func decodeRequest(r *http.Request) (embeddings.Request, error) {
	var req embeddings.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return req, embeddings.ClientError("request body too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			return req, embeddings.ClientError("request body is empty", 0)
		default:
			return req, embeddings.ClientError("invalid request body: "+err.Error(), 0)
		}
	}
	return req, nil
}

// writeError writes the JSON error envelope. Internal detail never reaches the client.
func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	var e *embeddings.Error
	if !errors.As(err, &e) {
		s.logger.WithRequestID(requestID).Error("Unclassified handler error", zap.Error(err))
		e = &embeddings.Error{Kind: embeddings.KindInference, Message: "internal error", Err: err}
	}

	code := e.StatusCode()
	errType := "server_error"
	if code < http.StatusInternalServerError {
		errType = "invalid_request_error"
	}
	writeJSON(w, code, ErrorBody{Error: ErrorDetail{Message: e.Message, Type: errType, Code: code}})
}

// publish sends a request summary to WebSocket subscribers
func (s *Server) publish(r *http.Request, requestID string, resp *embeddings.Response, err error, d time.Duration) {
	if s.wsHub == nil {
		return
	}

	ev := websocket.EmbeddingRequestEvent{
		RequestID:  requestID,
		Source:     "http",
		Model:      s.deps.Service.Model(),
		StatusCode: http.StatusOK,
		DurationMS: float64(d.Microseconds()) / 1000,
		ClientIP:   websocket.ClientIP(r),
	}
	if resp != nil {
		ev.Items = len(resp.Data)
		ev.Tokens = resp.Usage.TotalTokens
		ev.CacheHits = resp.CacheHits
	}
	var e *embeddings.Error
	if errors.As(err, &e) {
		ev.StatusCode = e.StatusCode()
		ev.ErrorKind = e.Kind.String()
	} else if err != nil {
		ev.StatusCode = http.StatusInternalServerError
	}

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeEmbeddingRequest,
		RequestID: requestID,
		Data:      ev,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK

	if s.deps.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Cache.Ping(ctx); err != nil {
			s.logger.Warn("Cache health check failed", zap.Error(err))
			body["status"] = "degraded"
			body["cache"] = "unreachable"
		} else {
			body["cache"] = "ok"
		}
	}

	writeJSON(w, code, body)
}

// InfoResponse is returned by /info
type InfoResponse struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
	Discipline string `json:"discipline"`
	Workers    int    `json:"workers"`
	EngineBusy int    `json:"engine_busy"`
	Admission  struct {
		Capacity     int   `json:"capacity"`
		InFlight     int   `json:"in_flight"`
		Waiting      int   `json:"waiting"`
		MaxBodyBytes int64 `json:"max_body_bytes"`
	} `json:"admission"`
	CacheEnabled     bool   `json:"cache_enabled"`
	RateLimitEnabled bool   `json:"rate_limit_enabled"`
	WebSocketEnabled bool   `json:"websocket_enabled"`
	Uptime           string `json:"uptime"`
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := InfoResponse{
		Name:             "embedding-server",
		Version:          Version,
		Model:            s.deps.Service.Model(),
		Dimension:        s.deps.Engine.Dimension(),
		Discipline:       string(s.deps.Engine.Discipline()),
		Workers:          s.deps.Engine.Workers(),
		EngineBusy:       s.deps.Engine.Busy(),
		CacheEnabled:     s.deps.Cache != nil,
		RateLimitEnabled: s.limiter != nil,
		WebSocketEnabled: s.wsHub != nil,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
	}
	info.Admission.Capacity = s.deps.Admission.Capacity()
	info.Admission.InFlight = s.deps.Admission.InFlight()
	info.Admission.Waiting = s.deps.Admission.Waiting()
	info.Admission.MaxBodyBytes = s.deps.Admission.MaxBodyBytes()

	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
