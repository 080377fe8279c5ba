package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPConfig configures a token-authenticated SMS HTTP API.
type HTTPConfig struct {
	BaseURL  string
	Email    string
	Password string
	Sender   string
	// TestText replaces every message body when set; gateways in test mode
	// only deliver pre-approved text.
	TestText   string
	TokenTTL   time.Duration
	HTTPClient *http.Client
}

// HTTPGateway logs in with email/password, caches the bearer token and
// sends through /message/sms/send. A 401 triggers one re-login.
type HTTPGateway struct {
	cfg  HTTPConfig
	http *http.Client
	now  func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.Password == "" {
		return nil, ErrNotConfigured
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 29 * 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPGateway{cfg: cfg, http: cfg.HTTPClient, now: time.Now}, nil
}

type loginResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

type sendResponse struct {
	ID      json.RawMessage `json:"id"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
}

func (g *HTTPGateway) SendSMS(ctx context.Context, phone, text string) (SendResult, error) {
	if g.cfg.TestText != "" {
		text = g.cfg.TestText
	}
	res, status, err := g.send(ctx, phone, text)
	if status == http.StatusUnauthorized {
		g.invalidate()
		res, _, err = g.send(ctx, phone, text)
	}
	return res, err
}

func (g *HTTPGateway) send(ctx context.Context, phone, text string) (SendResult, int, error) {
	token, err := g.authenticate(ctx)
	if err != nil {
		return SendResult{}, 0, err
	}
	body, _ := json.Marshal(map[string]string{
		"mobile_phone": phone,
		"message":      text,
		"from":         g.cfg.Sender,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/message/sms/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.http.Do(req)
	if err != nil {
		return SendResult{}, 0, fmt.Errorf("sms: send: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode == http.StatusUnauthorized {
		return SendResult{}, resp.StatusCode, fmt.Errorf("sms: unauthorized")
	}
	var sr sendResponse
	_ = json.Unmarshal(raw, &sr)
	if resp.StatusCode >= 300 {
		msg := sr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return SendResult{}, resp.StatusCode, fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, msg)
	}
	if sr.Status != "waiting" && sr.Message != "Waiting for SMS provider" {
		return SendResult{}, resp.StatusCode, fmt.Errorf("%w: %s", ErrRejected, sr.Message)
	}
	status := sr.Status
	if status == "" {
		status = "waiting"
	}
	return SendResult{MessageID: strings.Trim(string(sr.ID), `"`), Status: status}, resp.StatusCode, nil
}

func (g *HTTPGateway) authenticate(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && g.now().Before(g.expiresAt) {
		return g.token, nil
	}

	body, _ := json.Marshal(map[string]string{"email": g.cfg.Email, "password": g.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms: login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("sms: login failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("sms: login decode: %w", err)
	}
	if lr.Data.Token == "" {
		return "", fmt.Errorf("sms: login returned no token")
	}
	g.token = lr.Data.Token
	g.expiresAt = g.now().Add(g.cfg.TokenTTL)
	return g.token, nil
}

func (g *HTTPGateway) invalidate() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}
