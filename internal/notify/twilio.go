package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unclebandit/dropleopard/internal/model"
)

const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioGateway posts messages to the Twilio REST API.
type TwilioGateway struct {
	BaseURL string
	Client  *http.Client
}

func NewTwilioGateway(baseURL string, timeout time.Duration) *TwilioGateway {
	if baseURL == "" {
		baseURL = DefaultTwilioBaseURL
	}
	return &TwilioGateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (g *TwilioGateway) Send(ctx context.Context, creds model.SMSSettings, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", creds.PhoneNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.BaseURL, url.PathEscape(creds.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio error: %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Gateway = (*TwilioGateway)(nil)
