package githubapp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	defaultAPIBaseURL = "https://api.github.com"

	// GitHub expiry timestamps are fixed-format UTC.
	githubTimeFormat = "2006-01-02T15:04:05Z"

	// Tokens within an hour of expiry are replaced before use, well ahead
	// of GitHub's own expiry, so in-flight requests never race a dying
	// token.
	refreshMargin = time.Hour

	assertionLifetime = 8 * time.Minute
	assertionBackdate = time.Minute

	exchangeTimeout = 30 * time.Second
)

func (e *AuthError) Error() string {
	return fmt.Sprintf("github authentication error during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

var _ oauth2.TokenSource = (*TokenManager)(nil)

// NewTokenManager parses the App private key and returns a manager ready to
// mint installation tokens. A malformed key fails here, at startup, rather
// than on the first outbound call.
func NewTokenManager(creds Credentials, logger zerolog.Logger) (*TokenManager, error) {
	if creds.APIBaseURL == "" {
		creds.APIBaseURL = defaultAPIBaseURL
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, &AuthError{Op: "parse private key", Err: err}
	}

	return &TokenManager{
		creds:      creds,
		signingKey: key,
		httpClient: &http.Client{Timeout: exchangeTimeout},
		logger:     logger.With().Str("component", "githubapp").Logger(),
	}, nil
}

// signAssertion builds the short-lived App JWT presented to the token
// exchange endpoint. It is regenerated for every exchange, never cached.
func (m *TokenManager) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-assertionBackdate).Unix(), // backdated against clock skew
		"exp": now.Add(assertionLifetime).Unix(),
		"iss": m.creds.AppID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", &AuthError{Op: "sign assertion", Err: err}
	}
	return signed, nil
}

// Token returns a usable installation token, refreshing it when the cached
// one is absent or inside the refresh margin. Safe for concurrent use;
// callers racing a stale cache serialize on the refresh and exactly one
// exchange request goes out. Implements oauth2.TokenSource.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	if usable(token, time.Now()) {
		m.logger.Debug().Time("expires_at", token.Expiry).Msg("Using cached installation token")
		return token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	if usable(m.token, time.Now()) {
		return m.token, nil
	}

	m.logger.Info().Msg("Installation token missing or near expiry, fetching a new one")
	token, err := m.exchangeToken()
	if err != nil {
		return nil, err
	}
	m.token = token

	m.logger.Info().Time("expires_at", token.Expiry).Msg("Installation token refreshed")
	return token, nil
}

// Headers returns the header set for authenticated GitHub API calls,
// refreshing the installation token first if needed.
func (m *TokenManager) Headers() (map[string]string, error) {
	token, err := m.Token()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Accept":               "application/vnd.github+json",
		"Authorization":        "Bearer " + token.AccessToken,
		"X-GitHub-Api-Version": "2022-11-28",
	}, nil
}

func usable(token *oauth2.Token, now time.Time) bool {
	return token != nil && token.Expiry.Sub(now) >= refreshMargin
}

// exchangeToken mints an App assertion and trades it for an installation
// access token. Caller must hold the write lock.
func (m *TokenManager) exchangeToken() (*oauth2.Token, error) {
	assertion, err := m.signAssertion()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", m.creds.APIBaseURL, m.creds.InstallationID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return nil, &AuthError{Op: "build token request", Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, &AuthError{
			Op:  "token exchange",
			Err: fmt.Errorf("unexpected status %s: %s", resp.Status, string(body)),
		}
	}

	var result struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &AuthError{Op: "decode token response", Err: err}
	}
	if result.Token == "" || result.ExpiresAt == "" {
		return nil, &AuthError{
			Op:  "decode token response",
			Err: fmt.Errorf("response missing token or expires_at"),
		}
	}

	expiry, err := time.Parse(githubTimeFormat, result.ExpiresAt)
	if err != nil {
		// Never cache a token whose expiry we cannot establish.
		return nil, &AuthError{Op: "parse token expiry", Err: err}
	}

	return &oauth2.Token{
		AccessToken: result.Token,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
