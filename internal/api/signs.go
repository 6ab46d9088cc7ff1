package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/signpost-core/internal/audit"
	"github.com/nerrad567/signpost-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// commandSource tags audit entries created through this API.
const commandSource = "api"

// successResponse is the acknowledgement body for device and operator writes.
type successResponse struct {
	Success bool `json:"success"`
}

var okResponse = successResponse{Success: true}

// commandRequest is the operator command body.
type commandRequest struct {
	Command *int `json:"command"`
}

// commandResponse answers a sign's poll.
type commandResponse struct {
	Command sign.Mode `json:"command"`
}

// renameRequest is the operator rename body.
type renameRequest struct {
	Name *string `json:"name"`
}

// decodeBody decodes a JSON request body into v. Unknown fields are
// ignored so newer firmware can add telemetry without breaking reports.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// handleListSigns returns every sign, sorted by ID.
func (s *Server) handleListSigns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListAll(r.Context()))
}

// handleGetSign returns one sign.
func (s *Server) handleGetSign(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReportStatus applies a sign's telemetry report.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var report sign.StatusReport
	if err := decodeBody(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if _, err := s.registry.ReportStatus(r.Context(), id, report); err != nil {
		s.logSignError("status report failed", id, err)
		writeSignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

// handlePollCommand answers a sign's command poll.
func (s *Server) handlePollCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	mode, err := s.dispatcher.NextCommand(r.Context(), id)
	if err != nil {
		s.logSignError("command poll failed", id, err)
		writeSignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Command: mode})
}

// handleSetCommand stores an operator command for a sign.
func (s *Server) handleSetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.Command == nil {
		writeSignError(w, fmt.Errorf("%w: command is required", sign.ErrInvalidCommand))
		return
	}

	if err := s.dispatcher.SetCommand(r.Context(), id, sign.Mode(*req.Command), commandSource); err != nil {
		s.logSignError("set command failed", id, err)
		writeSignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

// handleRename changes a sign's name.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req renameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.Name == nil {
		writeSignError(w, fmt.Errorf("%w: name is required", sign.ErrInvalidName))
		return
	}

	if err := s.dispatcher.Rename(r.Context(), id, *req.Name, commandSource); err != nil {
		s.logSignError("rename failed", id, err)
		writeSignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

// handleCommandHistory lists audit entries for a sign, newest first.
// Supports ?limit= and ?offset=.
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeNotEnabled, "audit log is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		writeSignError(w, err)
		return
	}

	filter := audit.Filter{EntityID: id}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "sign_id", id, "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// telemetryResponse wraps stored telemetry history.
type telemetryResponse struct {
	SignID  string                     `json:"sign_id"`
	Samples []influxdb.TelemetrySample `json:"samples"`
}

// handleTelemetry returns stored telemetry for a sign, newest first.
// Supports ?window= (Go duration, default 1h) and ?limit=.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeNotEnabled, "telemetry history is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		writeSignError(w, err)
		return
	}

	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeBadRequest(w, "window must be a positive duration such as 30m or 6h")
			return
		}
		window = d
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	samples, err := s.telemetry.QueryTelemetry(r.Context(), id, window, limit)
	if err != nil {
		s.logger.Error("querying telemetry failed", "sign_id", id, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "telemetry store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, telemetryResponse{SignID: id, Samples: samples})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// logSignError logs store failures; client errors are left to the
// request log.
func (s *Server) logSignError(msg, id string, err error) {
	if errors.Is(err, sign.ErrStore) {
		s.logger.Error(msg, "sign_id", id, "error", err)
	}
}
