package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/foxzi/wacast/internal/ai"
	"github.com/foxzi/wacast/internal/broadcast"
	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/conversation"
	"github.com/foxzi/wacast/internal/dispatch"
	"github.com/foxzi/wacast/internal/instance"
	"github.com/foxzi/wacast/internal/usage"
	"github.com/foxzi/wacast/internal/warmup"
)

// StartRequest is the request body for POST /campaigns/start
type StartRequest struct {
	CampaignID  string                `json:"campaignId,omitempty"`
	Mode        string                `json:"mode"`
	InstanceID  string                `json:"instanceId,omitempty"`
	InstanceIDs []string              `json:"instanceIds,omitempty"`
	Message     string                `json:"message,omitempty"`
	Image       string                `json:"image,omitempty"`
	Recipients  []broadcast.Recipient `json:"recipients,omitempty"`
	Theme       string                `json:"theme,omitempty"`
	Delay       float64               `json:"delay,omitempty"`
	Limit       int                   `json:"limit,omitempty"`
	Unlimited   bool                  `json:"unlimited,omitempty"`
	Provider    string                `json:"provider,omitempty"`
	AIAPIKey    string                `json:"aiApiKey,omitempty"`
}

// Validate checks the fields each mode needs
func (r StartRequest) Validate() error {
	broadcastMode := r.Mode == string(campaign.KindBroadcast)
	conversationMode := r.Mode == string(campaign.KindConversation)

	return validation.ValidateStruct(&r,
		validation.Field(&r.Mode, validation.Required, validation.In(
			string(campaign.KindBroadcast),
			string(campaign.KindWarmup),
			string(campaign.KindConversation),
		)),
		validation.Field(&r.InstanceID, validation.When(!conversationMode, validation.Required)),
		validation.Field(&r.InstanceIDs, validation.When(conversationMode, validation.Required, validation.Length(2, 0))),
		validation.Field(&r.Recipients, validation.When(broadcastMode, validation.Required)),
		validation.Field(&r.Delay, validation.Min(0.0), validation.Max(dispatch.MaxDelay.Seconds())),
		validation.Field(&r.Limit, validation.Min(0)),
		validation.Field(&r.Provider, validation.In(ai.ProviderOpenAI, ai.ProviderGemini)),
	)
}

// StartResponse is the response for POST /campaigns/start
type StartResponse struct {
	CampaignID   string `json:"campaignId"`
	TotalTargets int    `json:"totalTargets"`
}

// StopRequest is the request body for POST /campaigns/stop
type StopRequest struct {
	CampaignID string `json:"campaignId"`
}

// StatusResponse is the polling view of one campaign
type StatusResponse struct {
	CampaignID    string             `json:"campaignId"`
	Kind          campaign.Kind      `json:"kind"`
	CurrentIndex  int                `json:"currentIndex"`
	TotalTargets  int                `json:"totalTargets"`
	SuccessList   []string           `json:"successList"`
	ErrorList     []campaign.Failure `json:"errorList"`
	Completed     bool               `json:"completed"`
	StopRequested bool               `json:"stopRequested"`
	Warmup        *campaign.Progress `json:"warmup,omitempty"`
}

// ListResponse is the response for GET /campaigns
type ListResponse struct {
	Campaigns []campaign.Summary `json:"campaigns"`
}

// UsageResponse is the response for GET /usage
type UsageResponse struct {
	Enabled bool          `json:"enabled"`
	Stats   []usage.Stats `json:"stats,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version,omitempty"`
	Uptime          string `json:"uptime"`
	ActiveCampaigns int    `json:"activeCampaigns"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleStart handles POST /api/v1/campaigns/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerID(r.Context())
	var (
		c   *campaign.Campaign
		err error
	)

	switch campaign.Kind(req.Mode) {
	case campaign.KindBroadcast:
		c, err = s.deps.Broadcast.Start(r.Context(), broadcast.Request{
			CampaignID:   req.CampaignID,
			OwnerID:      owner,
			InstanceID:   req.InstanceID,
			Recipients:   req.Recipients,
			Message:      req.Message,
			Image:        req.Image,
			DelaySeconds: req.Delay,
		})
	case campaign.KindWarmup:
		c, err = s.deps.Warmup.Start(r.Context(), warmup.Request{
			CampaignID: req.CampaignID,
			OwnerID:    owner,
			InstanceID: req.InstanceID,
		})
	case campaign.KindConversation:
		provider := req.Provider
		if provider == "" {
			provider = s.deps.DefaultProvider
		}
		c, err = s.deps.Conversation.Start(r.Context(), conversation.Request{
			CampaignID:   req.CampaignID,
			OwnerID:      owner,
			InstanceIDs:  req.InstanceIDs,
			Provider:     provider,
			APIKey:       req.AIAPIKey,
			Theme:        req.Theme,
			Unlimited:    req.Unlimited,
			SessionLimit: req.Limit,
			DelaySeconds: req.Delay,
		})
	}
	if err != nil {
		s.sendServiceError(w, "failed to start campaign", err)
		return
	}

	s.logger.Info("campaign started",
		"campaign_id", c.ID,
		"kind", c.Kind,
		"owner_id", owner,
		"total_targets", c.TotalTargets,
	)

	s.sendJSON(w, http.StatusAccepted, StartResponse{
		CampaignID:   c.ID,
		TotalTargets: c.TotalTargets,
	})
}

// handleStop handles POST /api/v1/campaigns/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.stop(w, r, req.CampaignID)
}

// handleStopByID handles POST /api/v1/campaigns/{id}/stop
func (s *Server) handleStopByID(w http.ResponseWriter, r *http.Request) {
	s.stop(w, r, chi.URLParam(r, "id"))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "campaignId is required")
		return
	}
	if _, ok := s.owned(w, r, id); !ok {
		return
	}
	if err := s.deps.Supervisor.Cancel(r.Context(), id); err != nil {
		s.sendServiceError(w, "failed to stop campaign", err)
		return
	}

	s.logger.Info("campaign stop requested", "campaign_id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /api/v1/campaigns/status?campaignId=
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("campaignId")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "campaignId is required")
		return
	}
	c, ok := s.owned(w, r, id)
	if !ok {
		return
	}

	s.sendJSON(w, http.StatusOK, StatusResponse{
		CampaignID:    c.ID,
		Kind:          c.Kind,
		CurrentIndex:  c.CurrentIndex,
		TotalTargets:  c.TotalTargets,
		SuccessList:   c.SuccessList,
		ErrorList:     c.ErrorList,
		Completed:     c.Completed,
		StopRequested: c.StopRequested,
		Warmup:        c.Progress,
	})
}

// handleList handles GET /api/v1/campaigns
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.ListByOwner(r.Context(), ownerID(r.Context()))
	if err != nil {
		s.sendServiceError(w, "failed to list campaigns", err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Campaigns: list})
}

// handleGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.owned(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDelete handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := s.owned(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if !c.Completed {
		s.sendError(w, http.StatusConflict, "campaign is still running, stop it first")
		return
	}

	if err := s.registry.Remove(r.Context(), c.ID); err != nil {
		s.logger.Error("failed to delete campaign", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete campaign")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleReport handles GET /api/v1/campaigns/{id}/report?format=csv|json
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	c, ok := s.owned(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", "json":
		s.sendJSON(w, http.StatusOK, StatusResponse{
			CampaignID:    c.ID,
			Kind:          c.Kind,
			CurrentIndex:  c.CurrentIndex,
			TotalTargets:  c.TotalTargets,
			SuccessList:   c.SuccessList,
			ErrorList:     c.ErrorList,
			Completed:     c.Completed,
			StopRequested: c.StopRequested,
		})
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="campaign-%s.csv"`, c.ID))
		w.WriteHeader(http.StatusOK)
		if err := writeReport(w, c); err != nil {
			s.logger.Error("failed to write report", "campaign_id", c.ID, "error", err)
		}
	default:
		s.sendError(w, http.StatusBadRequest, "format must be csv or json")
	}
}

// writeReport writes one row per processed recipient, successes first
func writeReport(w http.ResponseWriter, c *campaign.Campaign) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"recipient", "status", "error"}); err != nil {
		return err
	}
	for _, rcpt := range c.SuccessList {
		if err := cw.Write([]string{rcpt, "sent", ""}); err != nil {
			return err
		}
	}
	for _, f := range c.ErrorList {
		if err := cw.Write([]string{f.Recipient, "failed", f.ErrorMessage}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// handleUsage handles GET /api/v1/usage?instanceId=
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.sendJSON(w, http.StatusOK, UsageResponse{Enabled: false})
		return
	}
	stats := s.deps.Usage.Stats(r.Context(), usage.Request{
		OwnerID:    ownerID(r.Context()),
		InstanceID: r.URL.Query().Get("instanceId"),
	})
	s.sendJSON(w, http.StatusOK, UsageResponse{Enabled: true, Stats: stats})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Version:         s.deps.Version,
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
		ActiveCampaigns: s.deps.Supervisor.Active(),
	})
}

// owned loads a campaign of the caller or writes the error response
func (s *Server) owned(w http.ResponseWriter, r *http.Request, id string) (*campaign.Campaign, bool) {
	c, err := s.registry.GetOwned(r.Context(), id, ownerID(r.Context()))
	if err != nil {
		s.sendServiceError(w, "failed to get campaign", err)
		return nil, false
	}
	return c, true
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, instance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrAlreadyExists), errors.Is(err, campaign.ErrAlreadyRunning),
		errors.Is(err, instance.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, broadcast.ErrNoRecipients), errors.Is(err, broadcast.ErrInvalidRecipient),
		errors.Is(err, broadcast.ErrNoContent), errors.Is(err, instance.ErrTooFewInstances),
		errors.Is(err, instance.ErrNoPhone), errors.Is(err, instance.ErrNoCredential),
		errors.Is(err, conversation.ErrProvider):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// sendServiceError maps err and hides internal details on 5xx
func (s *Server) sendServiceError(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		s.logger.Error(msg, "error", err)
		s.sendError(w, code, "Internal server error")
		return
	}
	s.sendError(w, code, err.Error())
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
