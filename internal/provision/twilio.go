package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"

	// Remote error code for "phone number is not available".
	codeNumberUnavailable = 21422
)

// Browser User-Agents rotated per client so many tenants don't present one
// uniform fingerprint to the provisioning service.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_2 like Mac OS X)",
	"Mozilla/5.0 (Linux; Android 11)",
}

// Options tunes the REST client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	Region     string // country code for number search, default "CA"
	Timeout    time.Duration
	HTTPClient *http.Client
}

type twilioClient struct {
	creds   Credentials
	baseURL string
	region  string
	http    *http.Client
	ua      string
}

// NewTwilio returns a Client speaking the Twilio REST API with the given
// account credentials.
func NewTwilio(creds Credentials, opt Options) Client {
	base := strings.TrimRight(strings.TrimSpace(opt.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	region := strings.TrimSpace(opt.Region)
	if region == "" {
		region = "CA"
	}
	hc := opt.HTTPClient
	if hc == nil {
		timeout := opt.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &twilioClient{
		creds:   creds,
		baseURL: base,
		region:  region,
		http:    hc,
		ua:      userAgents[rand.Intn(len(userAgents))],
	}
}

// NewTwilioFactory adapts NewTwilio into a Factory with fixed options.
func NewTwilioFactory(opt Options) Factory {
	return func(creds Credentials) Client {
		return NewTwilio(creds, opt)
	}
}

func (c *twilioClient) accountURL(suffix string) string {
	return c.baseURL + "/" + apiVersion + "/Accounts/" + url.PathEscape(c.creds.SID) + suffix
}

// do performs one authenticated call and decodes the response into out
// (when out is non-nil). Non-2xx responses become *APIError.
func (c *twilioClient) do(ctx context.Context, method, rawURL string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.SID, c.creds.Token)
	req.Header.Set("User-Agent", c.ua)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *twilioClient) Verify(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, c.accountURL(".json"), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return err
}

func (c *twilioClient) Search(ctx context.Context, areaCode string, limit int) ([]Number, error) {
	if limit <= 0 {
		limit = 30
	}
	q := url.Values{}
	q.Set("AreaCode", areaCode)
	q.Set("PageSize", strconv.Itoa(limit))
	u := c.accountURL("/AvailablePhoneNumbers/"+url.PathEscape(c.region)+"/Local.json") + "?" + q.Encode()

	var payload struct {
		AvailablePhoneNumbers []struct {
			PhoneNumber  string `json:"phone_number"`
			FriendlyName string `json:"friendly_name"`
		} `json:"available_phone_numbers"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]Number, 0, len(payload.AvailablePhoneNumbers))
	for _, n := range payload.AvailablePhoneNumbers {
		out = append(out, Number{PhoneNumber: n.PhoneNumber, FriendlyName: n.FriendlyName})
	}
	return out, nil
}

func (c *twilioClient) Lease(ctx context.Context, number string) error {
	form := url.Values{}
	form.Set("PhoneNumber", number)
	err := c.do(ctx, http.MethodPost, c.accountURL("/IncomingPhoneNumbers.json"), form, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeNumberUnavailable || strings.Contains(strings.ToLower(apiErr.Message), "not available") {
			return fmt.Errorf("%w: %s", ErrUnavailable, number)
		}
	}
	return err
}

func (c *twilioClient) Leased(ctx context.Context) ([]Number, error) {
	var payload struct {
		IncomingPhoneNumbers []struct {
			SID          string `json:"sid"`
			PhoneNumber  string `json:"phone_number"`
			FriendlyName string `json:"friendly_name"`
		} `json:"incoming_phone_numbers"`
	}
	u := c.accountURL("/IncomingPhoneNumbers.json") + "?PageSize=100"
	if err := c.do(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]Number, 0, len(payload.IncomingPhoneNumbers))
	for _, n := range payload.IncomingPhoneNumbers {
		out = append(out, Number{SID: n.SID, PhoneNumber: n.PhoneNumber, FriendlyName: n.FriendlyName})
	}
	return out, nil
}

func (c *twilioClient) Release(ctx context.Context, number string) error {
	// The delete endpoint is keyed by resource id, so resolve the number first.
	leased, err := c.Leased(ctx)
	if err != nil {
		return err
	}
	for _, n := range leased {
		if n.PhoneNumber == number {
			return c.do(ctx, http.MethodDelete, c.accountURL("/IncomingPhoneNumbers/"+url.PathEscape(n.SID)+".json"), nil, nil)
		}
	}
	// Already gone remotely; releasing is idempotent from the caller's view.
	return nil
}

// twilioTimeLayout is the date format used by the remote API (RFC 1123 with a
// numeric zone).
const twilioTimeLayout = time.RFC1123Z

func (c *twilioClient) Messages(ctx context.Context, to string, limit int, since time.Time) ([]InboundMessage, error) {
	if limit <= 0 {
		limit = 1
	}
	q := url.Values{}
	q.Set("To", to)
	q.Set("PageSize", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("DateSent>", since.UTC().Format("2006-01-02"))
	}
	u := c.accountURL("/Messages.json") + "?" + q.Encode()

	var payload struct {
		Messages []struct {
			SID      string `json:"sid"`
			From     string `json:"from"`
			To       string `json:"to"`
			Body     string `json:"body"`
			DateSent string `json:"date_sent"`
		} `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}

	out := make([]InboundMessage, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		sent, _ := time.Parse(twilioTimeLayout, m.DateSent)
		if !since.IsZero() && !sent.IsZero() && sent.Before(since) {
			continue
		}
		out = append(out, InboundMessage{SID: m.SID, From: m.From, To: m.To, Body: m.Body, SentAt: sent})
	}
	return out, nil
}
