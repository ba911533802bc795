package githubapp

import (
	"crypto/rsa"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Credentials holds the GitHub App identity used to mint installation
// tokens. Immutable for the lifetime of the process.
type Credentials struct {
	AppID          int
	InstallationID int
	PrivateKey     string
	APIBaseURL     string
}

// AuthError wraps a failure in the App authentication flow.
type AuthError struct {
	Op  string
	Err error
}

// TokenManager caches an installation access token and refreshes it ahead
// of expiry. A single instance is shared by every outbound caller; the
// mutex guarantees at most one in-flight token exchange per process.
type TokenManager struct {
	creds      Credentials
	signingKey *rsa.PrivateKey
	httpClient *http.Client
	logger     zerolog.Logger

	mu    sync.RWMutex
	token *oauth2.Token
}
