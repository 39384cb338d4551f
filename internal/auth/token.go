package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/nuvion/edge-agent/internal/logging"
)

var log = logging.L("auth")

const loginTimeout = 10 * time.Second

// Holder owns the bearer credential for the device session. The token is
// replaced atomically on refresh; concurrent Refresh calls are serialized so
// only one login is in flight at a time.
type Holder struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	refreshMu sync.Mutex
	tokenMu   sync.Mutex
	token     string
}

// NewHolder creates a token holder that logs in against baseURL.
func NewHolder(baseURL, username, password string) *Holder {
	return &Holder{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: loginTimeout},
	}
}

// Get returns the current token, or "" when the holder has none.
func (h *Holder) Get() string {
	h.tokenMu.Lock()
	defer h.tokenMu.Unlock()
	return h.token
}

// Set replaces the current token. Pass "" to clear it.
func (h *Holder) Set(token string) {
	h.tokenMu.Lock()
	h.token = token
	h.tokenMu.Unlock()
}

type loginResponse struct {
	Data struct {
		AccessToken string `json:"accessToken"`
		Token       string `json:"token"`
	} `json:"data"`
}

// Refresh performs a blocking login and stores the resulting token. Returns
// "" on failure; callers decide retry policy.
func (h *Holder) Refresh() string {
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()

	log.Info("logging in", "username", h.username)

	body, err := json.Marshal(map[string]string{
		"username": h.username,
		"password": h.password,
	})
	if err != nil {
		return ""
	}

	req, err := http.NewRequest(http.MethodPost, h.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		log.Error("login request build failed", "error", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		log.Error("login failed", "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error("login rejected", "status", resp.StatusCode)
		return ""
	}

	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.Error("login response decode failed", "error", err)
		return ""
	}

	token := parsed.Data.AccessToken
	if token == "" {
		token = parsed.Data.Token
	}
	if token == "" {
		log.Error("login response carried no token")
		return ""
	}

	h.Set(token)
	log.Info("login successful")
	return token
}
