// internal/controller/drop_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/service"
)

const maxBodyBytes = 1 << 20

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// DropService is what the landing page API needs from the service layer.
type DropService interface {
	Join(ctx context.Context, req service.JoinRequest) (*service.JoinResult, error)
	ReferralStatus(ctx context.Context, code, campaignID string) (*service.ReferralStatus, error)
	CampaignConfig(ctx context.Context, campaignID string) (*service.CampaignConfig, error)
}

// InboundHandler processes replies sent to the campaign number.
type InboundHandler interface {
	HandleInbound(ctx context.Context, from, body string) (service.Keyword, error)
}

// DropController serves the public landing page API.
type DropController struct {
	Drops   DropService
	Inbound InboundHandler
	Logger  *zap.Logger
}

// Routes mounts the public endpoints on r.
func (c *DropController) Routes(r chi.Router) {
	r.Get("/api/config", c.GetConfig)
	r.Get("/api/campaign/{id}/config", c.GetCampaignConfig)
	r.Post("/api/join", c.Join)
	r.Get("/api/referral/{code}", c.GetReferralStatus)
	r.Post("/api/sms/webhook", c.SMSWebhook)
}

// GetConfig serves the campaign named by the v query parameter.
func (c *DropController) GetConfig(w http.ResponseWriter, r *http.Request) {
	c.writeConfig(w, r, r.URL.Query().Get("v"))
}

func (c *DropController) GetCampaignConfig(w http.ResponseWriter, r *http.Request) {
	c.writeConfig(w, r, chi.URLParam(r, "id"))
}

func (c *DropController) writeConfig(w http.ResponseWriter, r *http.Request, campaignID string) {
	cfg, err := c.Drops.CampaignConfig(r.Context(), campaignID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type joinBody struct {
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	ReferredBy string `json:"referredBy"`
	CampaignID string `json:"campaignId"`
}

func (c *DropController) Join(w http.ResponseWriter, r *http.Request) {
	var body joinBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid body"})
		return
	}

	res, err := c.Drops.Join(r.Context(), service.JoinRequest{
		Phone:      body.Phone,
		Email:      body.Email,
		ReferredBy: body.ReferredBy,
		CampaignID: body.CampaignID,
	})
	if err != nil {
		if conflict, ok := appErrors.AsConflict(err); ok {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":         "Phone number already registered for this drop",
				"alreadyJoined": true,
				"referralCode":  conflict.ReferralCode,
			})
			return
		}
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"referralCode":     res.ReferralCode,
		"referrerUnlocked": res.ReferrerUnlocked,
	})
}

func (c *DropController) GetReferralStatus(w http.ResponseWriter, r *http.Request) {
	status, err := c.Drops.ReferralStatus(r.Context(), chi.URLParam(r, "code"), r.URL.Query().Get("v"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SMSWebhook receives Twilio inbound messages. Twilio only needs a TwiML
// document back; an empty one sends no reply of its own.
func (c *DropController) SMSWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	from, body := r.PostForm.Get("From"), r.PostForm.Get("Body")
	if _, err := c.Inbound.HandleInbound(r.Context(), from, body); err != nil {
		if !appErrors.IsValidation(err) {
			c.Logger.Error("failed to handle inbound sms", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		c.Logger.Warn("ignored inbound sms", zap.String("from", from), zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))
}

func (c *DropController) writeError(w http.ResponseWriter, err error) {
	status := appErrors.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
