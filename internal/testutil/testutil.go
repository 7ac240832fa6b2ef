package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Fixture values shared by the package tests
const (
	TestClientID    = "c1"
	TestRedirectURI = "https://app/cb"
	TestUserID      = "user42"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestClient creates a public client allowed "read" and "write"
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:     TestClientID,
		ClientType:   storage.ClientTypePublic,
		ClientName:   "Test Client",
		RedirectURIs: []string{TestRedirectURI},
		Scopes:       []string{"read", "write"},
		CreatedAt:    time.Now(),
	}
}

// GenerateTestAuthorizationCode creates a pending authorization code bound to
// the test client
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            TestClientID,
		UserID:              TestUserID,
		RedirectURI:         TestRedirectURI,
		Scopes:              []string{"read"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: storage.PKCEMethodS256,
		GrantID:             GenerateRandomString(16),
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestRefreshTokenRecord creates a live refresh token record
func GenerateTestRefreshTokenRecord(grantID string) *storage.RefreshTokenRecord {
	return &storage.RefreshTokenRecord{
		ID:        GenerateRandomString(22),
		GrantID:   grantID,
		ClientID:  TestClientID,
		UserID:    TestUserID,
		Scopes:    []string{"read", "write"},
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 PKCE pair.
// Returns (challenge, verifier).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}
