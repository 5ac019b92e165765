package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"outreachflow/campaign"
	"outreachflow/enrollment"
	"outreachflow/query"
	"outreachflow/webhook"
)

type ingestService interface {
	Ingest(ctx context.Context, raw []byte) (webhook.Result, error)
}

type campaignService interface {
	Create(ctx context.Context, params campaign.CreateParams) (campaign.Campaign, error)
	Get(ctx context.Context, id string) (campaign.Campaign, error)
	Activate(ctx context.Context, id string) (campaign.Campaign, error)
	Pause(ctx context.Context, id string) (campaign.Campaign, error)
	Archive(ctx context.Context, id string) (campaign.Campaign, error)
	UpdateSteps(ctx context.Context, id string, steps []campaign.Step) (campaign.Campaign, error)
}

type enrollmentService interface {
	BulkEnroll(ctx context.Context, campaignID string, profileURLs []string) (enrollment.BulkResult, error)
	Blacklist(ctx context.Context, enrollmentID string) (enrollment.Enrollment, error)
}

type tagStore interface {
	AddTag(ctx context.Context, id, tag string) error
	RemoveTag(ctx context.Context, id, tag string) error
}

type queryService interface {
	CampaignStats(ctx context.Context, campaignID string) (query.CampaignStats, error)
	Enrollments(ctx context.Context, campaignID string, limit int) ([]query.EnrollmentRow, error)
	Conversation(ctx context.Context, enrollmentID string) ([]query.ConversationEntry, error)
	RecentEvents(ctx context.Context, limit int) ([]query.EventRow, error)
}

// Server owns the HTTP surface: the agent webhook, campaign management, and
// the read-only projections for the UI layer.
type Server struct {
	ingestor    ingestService
	campaigns   campaignService
	enrollments enrollmentService
	tags        tagStore
	queries     queryService
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/webhooks/agent", s.handleAgentWebhook)

	r.Post("/campaigns", s.handleCreateCampaign)
	r.Get("/campaigns/{id}", s.handleGetCampaign)
	r.Put("/campaigns/{id}/steps", s.handleUpdateSteps)
	r.Post("/campaigns/{id}/activate", s.handleActivate)
	r.Post("/campaigns/{id}/pause", s.handlePause)
	r.Post("/campaigns/{id}/archive", s.handleArchive)
	r.Post("/campaigns/{id}/enroll", s.handleBulkEnroll)

	r.Get("/campaigns/{id}/stats", s.handleCampaignStats)
	r.Get("/campaigns/{id}/enrollments", s.handleEnrollments)
	r.Post("/enrollments/{id}/blacklist", s.handleBlacklist)
	r.Post("/enrollments/{id}/tags", s.handleAddTag)
	r.Delete("/enrollments/{id}/tags/{tag}", s.handleRemoveTag)
	r.Get("/enrollments/{id}/conversation", s.handleConversation)
	r.Get("/events/recent", s.handleRecentEvents)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type webhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// handleAgentWebhook accepts one agent delivery. Duplicates and parked
// events both answer 200 with the stored event id, so the agent's retry
// loop always converges; only malformed payloads get a 400.
func (s *Server) handleAgentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), body)
	if err != nil {
		var verr *webhook.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
			return
		}
		log.Printf("api: ingest: %v", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Status: "success", EventID: res.EventID})
}

type stepRequest struct {
	Kind        string `json:"kind"`
	DelayDays   int    `json:"delay_days"`
	Template    string `json:"template"`
	RandomDelay bool   `json:"random_delay"`
}

type createCampaignRequest struct {
	OrgID     string        `json:"org_id"`
	AccountID string        `json:"account_id"`
	Name      string        `json:"name"`
	StartsAt  *time.Time    `json:"starts_at"`
	EndsAt    *time.Time    `json:"ends_at"`
	Steps     []stepRequest `json:"steps"`
}

type campaignResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Locked    bool           `json:"locked"`
	StartsAt  *time.Time     `json:"starts_at,omitempty"`
	EndsAt    *time.Time     `json:"ends_at,omitempty"`
	Steps     []stepResponse `json:"steps"`
	CreatedAt string         `json:"created_at"`
}

type stepResponse struct {
	No          int    `json:"no"`
	Kind        string `json:"kind"`
	DelayDays   int    `json:"delay_days"`
	Template    string `json:"template,omitempty"`
	RandomDelay bool   `json:"random_delay"`
}

func toCampaignResponse(c campaign.Campaign) campaignResponse {
	steps := make([]stepResponse, 0, len(c.Steps))
	for _, st := range c.Steps {
		steps = append(steps, stepResponse{
			No:          st.No,
			Kind:        string(st.Kind),
			DelayDays:   st.DelayDays,
			Template:    st.Template,
			RandomDelay: st.RandomDelay,
		})
	}
	return campaignResponse{
		ID:        c.ID,
		Name:      c.Name,
		Status:    string(c.Status),
		Locked:    c.Locked,
		StartsAt:  c.StartsAt,
		EndsAt:    c.EndsAt,
		Steps:     steps,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	steps := make([]campaign.Step, 0, len(req.Steps))
	for i, st := range req.Steps {
		steps = append(steps, campaign.Step{
			No:          i,
			Kind:        campaign.StepKind(st.Kind),
			DelayDays:   st.DelayDays,
			Template:    st.Template,
			RandomDelay: st.RandomDelay,
		})
	}

	c, err := s.campaigns.Create(r.Context(), campaign.CreateParams{
		OrgID:     req.OrgID,
		AccountID: req.AccountID,
		Name:      req.Name,
		StartsAt:  req.StartsAt,
		EndsAt:    req.EndsAt,
		Steps:     steps,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toCampaignResponse(c))
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		log.Printf("api: get campaign: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

type updateStepsRequest struct {
	Steps []stepRequest `json:"steps"`
}

func (s *Server) handleUpdateSteps(w http.ResponseWriter, r *http.Request) {
	var req updateStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	steps := make([]campaign.Step, 0, len(req.Steps))
	for i, st := range req.Steps {
		steps = append(steps, campaign.Step{
			No:          i,
			Kind:        campaign.StepKind(st.Kind),
			DelayDays:   st.DelayDays,
			Template:    st.Template,
			RandomDelay: st.RandomDelay,
		})
	}

	c, err := s.campaigns.UpdateSteps(r.Context(), chi.URLParam(r, "id"), steps)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, campaign.ErrLocked):
			writeError(w, http.StatusConflict, "campaign definition is locked")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.respondStatusChange(w, r, s.campaigns.Activate)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.respondStatusChange(w, r, s.campaigns.Pause)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.respondStatusChange(w, r, s.campaigns.Archive)
}

func (s *Server) respondStatusChange(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (campaign.Campaign, error)) {
	c, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, campaign.ErrBadStatus):
			writeError(w, http.StatusConflict, "status transition not allowed")
		default:
			log.Printf("api: campaign status: %v", err)
			writeError(w, http.StatusInternalServerError, "status update failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

type bulkEnrollRequest struct {
	ProfileURLs []string `json:"profile_urls"`
}

type bulkEnrollResponse struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
	Deferred int `json:"deferred"`
}

func (s *Server) handleBulkEnroll(w http.ResponseWriter, r *http.Request) {
	var req bulkEnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := s.enrollments.BulkEnroll(r.Context(), chi.URLParam(r, "id"), req.ProfileURLs)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, enrollment.ErrCampaignClosed):
			writeError(w, http.StatusConflict, "campaign no longer accepts contacts")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, bulkEnrollResponse{Enrolled: res.Enrolled, Skipped: res.Skipped, Deferred: res.Deferred})
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	e, err := s.enrollments.Blacklist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, enrollment.ErrNotFound):
			writeError(w, http.StatusNotFound, "enrollment not found")
		case errors.Is(err, enrollment.ErrTransitionRejected):
			writeError(w, http.StatusConflict, "enrollment already terminal")
		default:
			log.Printf("api: blacklist: %v", err)
			writeError(w, http.StatusInternalServerError, "blacklist failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": e.ID, "status": string(e.Status)})
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	if err := s.tags.AddTag(r.Context(), chi.URLParam(r, "id"), req.Tag); err != nil {
		if errors.Is(err, enrollment.ErrNotFound) {
			writeError(w, http.StatusNotFound, "enrollment not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	if err := s.tags.RemoveTag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tag")); err != nil {
		log.Printf("api: remove tag: %v", err)
		writeError(w, http.StatusInternalServerError, "tag removal failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.CampaignStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		log.Printf("api: campaign stats: %v", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEnrollments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.queries.Enrollments(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		log.Printf("api: enrollments: %v", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queries.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			writeError(w, http.StatusNotFound, "enrollment not found")
			return
		}
		log.Printf("api: conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "conversation failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.queries.RecentEvents(r.Context(), limit)
	if err != nil {
		log.Printf("api: recent events: %v", err)
		writeError(w, http.StatusInternalServerError, "events failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}
