package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	core "biolog/ingestion/service/core"
)

const channelHTTP = "http"

// RecordHandler encapsulates the logic for handling HTTP record submissions
type RecordHandler struct {
	svc          core.Submitter
	logger       *zap.Logger
	maxBodyBytes int64
	parsers      fastjson.ParserPool
}

// NewRecordHandler creates a new RecordHandler
func NewRecordHandler(s core.Submitter, l *zap.Logger, maxBodyBytes int64) *RecordHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20 // 10MB
	}
	return &RecordHandler{svc: s, logger: l, maxBodyBytes: maxBodyBytes}
}

// Register mounts the handler's routes on mux
func (h *RecordHandler) Register(mux *http.ServeMux, healthPath string) {
	mux.HandleFunc("/v1/records", h.SubmitRecords)
	mux.HandleFunc(healthPath, h.HealthCheck)
}

type itemResult struct {
	Index       int    `json:"index"`
	RequestID   string `json:"request_id,omitempty"`
	PayloadHash string `json:"payload_hash,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// SubmitRecords handles POST /v1/records. The body is a single record object
// or an array of them; every element is validated and queued independently.
func (h *RecordHandler) SubmitRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	// Content-Type validation
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		h.respondError(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.respondError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	// 1. Parse request body JSON
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, err := p.ParseBytes(body)
	if err != nil {
		h.logger.Debug("HTTP Handler: Failed to parse JSON request", zap.Error(err))
		h.respondError(w, "Bad Request: Invalid JSON format", http.StatusBadRequest)
		return
	}

	var items []*fastjson.Value
	single := false
	switch v.Type() {
	case fastjson.TypeArray:
		items, _ = v.Array()
		if len(items) == 0 {
			h.respondError(w, "Bad Request: empty record batch", http.StatusBadRequest)
			return
		}
	case fastjson.TypeObject:
		items = []*fastjson.Value{v}
		single = true
	default:
		h.respondError(w, "Bad Request: body must be a record object or an array of records", http.StatusBadRequest)
		return
	}

	// 2. Submit every element
	results := make([]itemResult, len(items))
	accepted, overloaded, failed := 0, 0, 0
	for i, item := range items {
		results[i] = itemResult{Index: i}
		res, err := h.svc.SubmitRecord(r.Context(), h.toInput(item))
		if err != nil {
			results[i].Status = "REJECTED"
			results[i].Error = err.Error()
			switch {
			case errors.Is(err, core.ErrOverloaded):
				overloaded++
			case !core.IsRejection(err):
				failed++
				h.logger.Error("HTTP Handler: Service layer processing failed", zap.Error(err))
			}
			continue
		}
		accepted++
		results[i].RequestID = res.RequestID
		results[i].PayloadHash = res.PayloadHash
		results[i].Status = "ACCEPTED"
	}

	// 3. Map outcome to status code
	status := http.StatusAccepted
	if accepted == 0 {
		switch {
		case failed > 0:
			status = http.StatusInternalServerError
		case overloaded > 0:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadRequest
		}
	}

	if single {
		if accepted == 0 {
			h.respondError(w, results[0].Error, status)
			return
		}
		h.respondJSON(w, map[string]interface{}{
			"request_id":   results[0].RequestID,
			"payload_hash": results[0].PayloadHash,
			"status":       "ACCEPTED",
		}, status)
		return
	}

	h.respondJSON(w, map[string]interface{}{
		"accepted": accepted,
		"rejected": len(items) - accepted,
		"results":  results,
	}, status)
}

func (h *RecordHandler) toInput(item *fastjson.Value) *core.RecordInput {
	input := &core.RecordInput{
		SourceSystem:      string(item.GetStringBytes("source_system")),
		RawPayload:        string(item.GetStringBytes("raw_payload")),
		ClientPayloadHash: string(item.GetStringBytes("client_payload_hash")),
		Channel:           channelHTTP,
	}

	// Parse optional timestamp
	if raw := item.GetStringBytes("timestamp"); len(raw) > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
			input.Timestamp = &ts
		} else {
			// Invalid timestamp is not fatal, receipt time is used
			h.logger.Debug("HTTP Handler: Invalid timestamp format", zap.ByteString("timestamp", raw), zap.Error(err))
		}
	}
	return input
}

// HealthCheck handles GET /health requests
func (h *RecordHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"service":   "ingestion",
	}

	h.respondJSON(w, resp, http.StatusOK)
}

// respondJSON sends JSON response
func (h *RecordHandler) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("HTTP Handler: Failed to encode JSON response", zap.Error(err))
	}
}

// respondError sends error response
func (h *RecordHandler) respondError(w http.ResponseWriter, message string, statusCode int) {
	errorResp := map[string]interface{}{
		"error":   message,
		"status":  statusCode,
		"message": http.StatusText(statusCode),
	}

	h.respondJSON(w, errorResp, statusCode)
}
