// Package session guards the short-lived Drive access token: it serves
// the cached token while it has life left and exchanges the stored,
// encrypted refresh token for a new one through a trusted HTTPS proxy
// as expiry approaches.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/drive-sync/internal/state"
)

const (
	// expiryBuffer is how long before expiry a token is refreshed.
	expiryBuffer = 5 * time.Minute

	// defaultExpiresIn is assumed when the proxy omits expires_in.
	defaultExpiresIn = 3600

	// refreshTimeout bounds a single token exchange.
	refreshTimeout = 30 * time.Second
)

// ErrReauthRequired marks token refresh failures that cannot be fixed
// by retrying: the user must authenticate again.
var ErrReauthRequired = errors.New("re-authentication required")

// Decrypter unwraps the at-rest encrypted refresh token.
type Decrypter interface {
	Decrypt(encrypted string) (string, error)
}

// Guard implements drive.TokenSource over a persisted session record.
type Guard struct {
	proxyOrigin string
	decrypter   Decrypter
	state       *state.State
	httpClient  *http.Client
	logger      *slog.Logger

	// mu serializes refreshes so concurrent token requests during the
	// expiry window trigger a single exchange.
	mu sync.Mutex
}

// NewGuard creates a token guard. The proxy origin must be HTTPS;
// anything else is rejected outright since the refresh token travels in
// the request body.
func NewGuard(proxyOrigin string, decrypter Decrypter, st *state.State, httpClient *http.Client, logger *slog.Logger) (*Guard, error) {
	u, err := url.Parse(proxyOrigin)
	if err != nil {
		return nil, fmt.Errorf("parsing token proxy origin: %w", err)
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("token proxy origin must be https, got %q", proxyOrigin)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}

	return &Guard{
		proxyOrigin: strings.TrimSuffix(proxyOrigin, "/"),
		decrypter:   decrypter,
		state:       st,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Token returns a valid access token, refreshing it through the proxy
// when less than the expiry buffer remains.
func (g *Guard) Token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, err := g.state.Session()
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}

	if sess == nil {
		return "", fmt.Errorf("no stored session: %w", ErrReauthRequired)
	}

	expiresAt := time.UnixMilli(sess.ExpiresAtMs)
	if sess.AccessToken != "" && time.Until(expiresAt) > expiryBuffer {
		return sess.AccessToken, nil
	}

	return g.refresh(ctx, sess)
}

// refresh exchanges the stored refresh token for a fresh access token
// and persists the updated session.
func (g *Guard) refresh(ctx context.Context, sess *state.StoredSession) (string, error) {
	if sess.EncryptedRefreshToken == "" {
		return "", fmt.Errorf("no refresh token stored: %w", ErrReauthRequired)
	}

	refreshToken, err := g.decrypter.Decrypt(sess.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("unwrapping refresh token: %w: %w", err, ErrReauthRequired)
	}

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.proxyOrigin+"/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchanging refresh token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token proxy returned status %d: %w", resp.StatusCode, ErrReauthRequired)
	}

	accessToken := gjson.GetBytes(body, "access_token").String()
	if accessToken == "" {
		return "", fmt.Errorf("token proxy response missing access_token: %w", ErrReauthRequired)
	}

	expiresIn := gjson.GetBytes(body, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	sess.AccessToken = accessToken
	sess.ExpiresAtMs = time.Now().UnixMilli() + expiresIn*1000

	if err := g.state.SetSession(*sess); err != nil {
		return "", fmt.Errorf("persisting refreshed session: %w", err)
	}

	g.logger.Info("refreshed access token",
		slog.Time("expiresAt", time.UnixMilli(sess.ExpiresAtMs)),
	)

	return accessToken, nil
}
