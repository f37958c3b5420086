// internal/handler/campaign_handler.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/service"
)

const maxBodyBytes = 1 << 20

// CampaignAdmin is the admin-side campaign service.
type CampaignAdmin interface {
	CreateCampaign(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context) ([]service.CampaignSummary, error)
	Participants(ctx context.Context, campaignID string) ([]model.Participant, error)
	ExportCSV(ctx context.Context, campaignID string, w io.Writer) error
}

// CampaignHandler holds the dependencies for the admin campaign endpoints
type CampaignHandler struct {
	Service CampaignAdmin
	Logger  *zap.Logger
	Now     func() time.Time
}

func (h *CampaignHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Routes mounts the admin endpoints on r. Authentication is the caller's job.
func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/api/campaigns", h.ListCampaignsHandler)
	r.Post("/api/campaigns", h.CreateCampaignHandler)
	r.Get("/api/campaign/{id}", h.GetCampaignHandler)
	r.Put("/api/campaign/{id}", h.UpdateCampaignHandler)
	r.Delete("/api/campaign/{id}", h.DeleteCampaignHandler)
	r.Get("/api/campaign/{id}/export", h.ExportCampaignHandler)
	r.Get("/api/participants", h.ListParticipantsHandler)
}

// CreateCampaignHandler creates a campaign. Fields missing from the body take
// the new-campaign defaults.
func (h *CampaignHandler) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaign := service.NewCampaignTemplate("", "", h.now())
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(campaign); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body: " + err.Error()})
		return
	}

	created, err := h.Service.CreateCampaign(r.Context(), campaign)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"campaignId": created.ID,
		"campaign":   created,
	})
}

// ListCampaignsHandler returns every campaign with its live counts
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.Service.ListCampaigns(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": campaigns})
}

// GetCampaignHandler returns a single campaign, credentials included
func (h *CampaignHandler) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	campaign, err := h.Service.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (h *CampaignHandler) UpdateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var patch model.CampaignPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body: " + err.Error()})
		return
	}

	campaign, err := h.Service.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "campaign": campaign})
}

func (h *CampaignHandler) DeleteCampaignHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteCampaign(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ExportCampaignHandler streams the campaign's participants as CSV. The rows
// are built in memory first so a failure can still return a JSON error.
func (h *CampaignHandler) ExportCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var buf bytes.Buffer
	if err := h.Service.ExportCSV(r.Context(), id, &buf); err != nil {
		h.writeError(w, err)
		return
	}

	filename := fmt.Sprintf("participants-%s-%s.csv", id, h.now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ListParticipantsHandler lists joins, optionally for one campaign.
func (h *CampaignHandler) ListParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := h.Service.Participants(r.Context(), r.URL.Query().Get("campaignId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (h *CampaignHandler) writeError(w http.ResponseWriter, err error) {
	status := appErrors.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("admin request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
