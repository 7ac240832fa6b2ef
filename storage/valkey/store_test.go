package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

// testStore creates a store connected to the Valkey instance at VALKEY_TEST_ADDR.
// Tests are skipped when the variable is unset or the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping test: VALKEY_TEST_ADDR not set")
	}

	prefix := fmt.Sprintf("oauthtest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without address should fail")
	}
}

func TestCalculateTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{"future", now.Add(time.Minute), time.Minute},
		{"past", now.Add(-time.Minute), 0},
		{"sub-second rounds up", now.Add(100 * time.Millisecond), minKeyTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateTTL(tt.expiresAt, now); got != tt.want {
				t.Errorf("calculateTTL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJSONRoundTrip_EmptyScope(t *testing.T) {
	code := testutil.GenerateTestAuthorizationCode()
	code.Scopes = nil

	j := toAuthorizationCodeJSON(code)
	if j.Scope != "" {
		t.Errorf("Scope = %q, want empty", j.Scope)
	}
	back := fromAuthorizationCodeJSON(j)
	if back.Scopes != nil {
		t.Errorf("Scopes = %v, want nil", back.Scopes)
	}
}

func TestStore_Client(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	client.SigningKeyID = "k1"
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.SigningKeyID != "k1" || len(got.RedirectURIs) != 1 {
		t.Errorf("GetClient() = %+v", got)
	}

	clients, err := store.ListClients(ctx)
	if err != nil || len(clients) != 1 {
		t.Errorf("ListClients() = %v, %v", clients, err)
	}

	if err := store.DeleteClient(ctx, client.ClientID); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v", err)
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if err != nil {
		t.Fatalf("first consume error = %v", err)
	}
	if got.GrantID != code.GrantID || strings.Join(got.Scopes, " ") != "read" {
		t.Errorf("consumed record = %+v", got)
	}

	reused, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second consume error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if reused == nil || reused.GrantID != code.GrantID {
		t.Error("reuse must return the consumed record")
	}

	if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "missing"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("unknown code error = %v", err)
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed_Expired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now())
	store.SetClock(clock.Now)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = clock.Now().Add(time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// The key itself still exists; only the clock moves
	clock.Advance(2 * time.Minute)
	if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code); !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("error = %v, want ErrAuthorizationCodeExpired", err)
	}
}

func TestStore_ConcurrentDoubleConsume(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumes = %d, want exactly 1", wins.Load())
	}
}

func TestStore_RefreshTokensAndRevocation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := testutil.GenerateTestRefreshTokenRecord("grant-1")
	second := testutil.GenerateTestRefreshTokenRecord("grant-1")
	second.Generation = 1
	for _, r := range []*storage.RefreshTokenRecord{first, second} {
		if err := store.SaveRefreshToken(ctx, r); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}

	got, err := store.GetRefreshToken(ctx, first.ID)
	if err != nil || got.Used {
		t.Fatalf("GetRefreshToken() = %+v, %v", got, err)
	}

	spent, err := store.AtomicConsumeRefreshToken(ctx, first.ID)
	if err != nil || !spent.Used {
		t.Fatalf("AtomicConsumeRefreshToken() = %+v, %v", spent, err)
	}
	if _, err := store.AtomicConsumeRefreshToken(ctx, first.ID); !errors.Is(err, storage.ErrRefreshTokenUsed) {
		t.Errorf("second consume error = %v, want ErrRefreshTokenUsed", err)
	}

	if err := store.RevokeGrant(ctx, "grant-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}
	revoked, err := store.IsGrantRevoked(ctx, "grant-1")
	if err != nil || !revoked {
		t.Errorf("IsGrantRevoked() = %v, %v", revoked, err)
	}
	if _, err := store.AtomicConsumeRefreshToken(ctx, second.ID); !errors.Is(err, storage.ErrRefreshTokenUsed) {
		t.Errorf("refresh of revoked grant error = %v, want ErrRefreshTokenUsed", err)
	}
	if revoked, _ := store.IsGrantRevoked(ctx, "grant-2"); revoked {
		t.Error("grant-2 must not be revoked")
	}
}
