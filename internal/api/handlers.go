package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goodtune/sitebudget/internal/budget"
	"github.com/goodtune/sitebudget/internal/domain"
	"github.com/goodtune/sitebudget/internal/engine"
	"github.com/goodtune/sitebudget/internal/notify"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every rejected request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int    `json:"code"`
}

type tabRequest struct {
	ID     int    `json:"id"`
	URL    string `json:"url" validate:"max=8192"`
	Active *bool  `json:"active" validate:"required"`
}

type idleRequest struct {
	State string `json:"state" validate:"required,oneof=active idle locked"`
}

type trackingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type limitRequest struct {
	Minutes int `json:"minutes" validate:"gt=0"`
}

type sitesRequest struct {
	Sites []domain.Site `json:"sites" validate:"max=500"`
}

type snoozeRequest struct {
	Minutes int `json:"minutes" validate:"gte=0,lte=60"`
}

type activityRequest struct {
	Domain   string `json:"domain" validate:"max=253"`
	Activity string `json:"activity" validate:"required,max=64"`
}

type drainRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, `{"success":false,"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Success: false, Error: message, Code: statusCode})
}

// writeResult writes an engine result, mapping Success to the status code.
func writeResult(w http.ResponseWriter, ok bool, res any) {
	if ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, res)
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTab(w http.ResponseWriter, r *http.Request) {
	var req tabRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.OpenSession(r.Context(), engine.Tab{ID: req.ID, URL: req.URL, Active: *req.Active})
	writeResult(w, res.Success, res)
}

func (s *Server) handleIdle(w http.ResponseWriter, r *http.Request) {
	var req idleRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.HandleIdleStateChange(r.Context(), req.State)
	writeResult(w, res.Success, res)
}

func (s *Server) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetStats(r.Context(), engine.StatsOptions{})
	writeJSON(w, http.StatusOK, map[string]any{"isTracking": stats.IsTracking})
}

func (s *Server) handleSetTracking(w http.ResponseWriter, r *http.Request) {
	var req trackingRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.SetTracking(r.Context(), *req.Enabled)
	writeResult(w, res.Success, res)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Policy())
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req budget.Update
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.UpdatePolicy(r.Context(), req)
	writeResult(w, res.Success, res)
}

func (s *Server) handleSetGlobalLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.SetGlobalLimit(r.Context(), req.Minutes)
	writeResult(w, res.Success, res)
}

func (s *Server) handleSetSiteLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.SetSiteLimit(r.Context(), chi.URLParam(r, "domain"), req.Minutes)
	writeResult(w, res.Success, res)
}

func (s *Server) handleRemoveSiteLimit(w http.ResponseWriter, r *http.Request) {
	res := s.engine.RemoveSiteLimit(r.Context(), chi.URLParam(r, "domain"))
	writeResult(w, res.Success, res)
}

func (s *Server) handleGetSites(w http.ResponseWriter, r *http.Request) {
	sites := s.engine.Sites()
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites, "count": len(sites)})
}

func (s *Server) handleUpdateSites(w http.ResponseWriter, r *http.Request) {
	var req sitesRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.UpdateTrackedSites(r.Context(), req.Sites)
	writeResult(w, res.Success, res)
}

func (s *Server) handleGetNotificationSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.NotificationSettings())
}

func (s *Server) handleUpdateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	var req notify.Settings
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.UpdateNotificationSettings(r.Context(), req)
	writeResult(w, res.Success, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	detailed, _ := strconv.ParseBool(r.URL.Query().Get("detailed"))
	writeJSON(w, http.StatusOK, s.engine.GetStats(r.Context(), engine.StatsOptions{Detailed: detailed}))
}

func (s *Server) handleLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.LimitExceeded())
}

func (s *Server) handleDomainLimit(w http.ResponseWriter, r *http.Request) {
	d, ok := limitDomain(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.LimitFor(d))
}

// handleCheckLimit runs a full check for the domain, which may fire a
// threshold notification.
func (s *Server) handleCheckLimit(w http.ResponseWriter, r *http.Request) {
	d, ok := limitDomain(w, r)
	if !ok {
		return
	}
	res := s.engine.CheckLimit(r.Context(), d)
	writeResult(w, res.Success, res)
}

func limitDomain(w http.ResponseWriter, r *http.Request) (string, bool) {
	d := domain.Normalize(chi.URLParam(r, "domain"))
	if !domain.IsValid(d) {
		writeError(w, http.StatusBadRequest, "invalid domain")
		return "", false
	}
	return d, true
}

func (s *Server) handleSnoozeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SnoozeStatus())
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	res := s.engine.Snooze(r.Context(), req.Minutes)
	writeResult(w, res.Success, res)
}

func (s *Server) handleCancelSnooze(w http.ResponseWriter, r *http.Request) {
	res := s.engine.CancelSnooze(r.Context())
	writeResult(w, res.Success, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res := s.engine.Reset(r.Context())
	writeResult(w, res.Success, res)
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ResetHistory())
}

func (s *Server) handleActivityCompleted(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.ActivityCompleted(r.Context(), req.Domain, req.Activity)
	writeResult(w, res.Success, res)
}

func (s *Server) handleSyncQueue(w http.ResponseWriter, r *http.Request) {
	records := s.engine.SyncQueue()
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (s *Server) handleDrainSyncQueue(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := s.engine.DrainSyncQueue(r.Context(), req.IDs)
	writeResult(w, res.Success, res)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	res := s.engine.Flush(r.Context())
	if !res.Success {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
