package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)
	return store, clock
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_SaveClient(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	client := testutil.GenerateTestClient()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}

	// Stored records are copies
	got.Scopes[0] = "admin"
	again, _ := store.GetClient(ctx, client.ClientID)
	if again.Scopes[0] != "read" {
		t.Errorf("stored client was modified through returned copy: %v", again.Scopes)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SaveClient(context.Background(), nil); err == nil {
		t.Error("SaveClient(nil) should fail")
	}
	if err := store.SaveClient(context.Background(), &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ID should fail")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetClient(context.Background(), "missing")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_ListAndDeleteClients(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, id := range []string{"b", "a", "c"} {
		if err := store.SaveClient(ctx, &storage.Client{ClientID: id}); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 || clients[0].ClientID != "a" || clients[2].ClientID != "c" {
		t.Errorf("ListClients() = %v, want sorted a,b,c", clients)
	}

	if err := store.DeleteClient(ctx, "b"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "b"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("deleted client still found, err = %v", err)
	}
}

// ============================================================
// FlowStore Tests
// ============================================================

func TestStore_AtomicCheckAndMarkAuthCodeUsed(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	code := testutil.GenerateTestAuthorizationCode()
	code.CreatedAt = clock.Now()
	code.ExpiresAt = clock.Now().Add(10 * time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if err != nil {
		t.Fatalf("first consume error = %v", err)
	}
	if !got.Used || got.GrantID != code.GrantID {
		t.Errorf("consumed record = %+v", got)
	}

	// Second presentation reports reuse and returns the record
	reused, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second consume error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if reused == nil || reused.GrantID != code.GrantID {
		t.Errorf("reuse should return the consumed record, got %+v", reused)
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.AtomicCheckAndMarkAuthCodeUsed(context.Background(), "missing")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if got != nil {
		t.Error("unknown code must not return a record")
	}
}

func TestStore_AtomicCheckAndMarkAuthCodeUsed_Expired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = clock.Now().Add(10 * time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// Inside the grace period the code is still accepted
	clock.Advance(10*time.Minute + 3*time.Second)
	if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code); err != nil {
		t.Fatalf("consume within grace period error = %v", err)
	}

	other := testutil.GenerateTestAuthorizationCode()
	other.ExpiresAt = clock.Now().Add(time.Minute)
	if err := store.SaveAuthorizationCode(ctx, other); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	got, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, other.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("error = %v, want ErrAuthorizationCodeExpired", err)
	}
	if got != nil {
		t.Error("expired code must not return a record")
	}
}

func TestStore_ConcurrentDoubleConsume(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = clock.Now().Add(10 * time.Minute)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 50
	var wins, reuses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				reuses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumes = %d, want exactly 1", wins.Load())
	}
	if reuses.Load() != workers-1 {
		t.Errorf("reuse errors = %d, want %d", reuses.Load(), workers-1)
	}
}

func TestStore_DeleteAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = clock.Now().Add(time.Minute)
	_ = store.SaveAuthorizationCode(ctx, code)

	if err := store.DeleteAuthorizationCode(ctx, code.Code); err != nil {
		t.Fatalf("DeleteAuthorizationCode() error = %v", err)
	}
	if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

// ============================================================
// AuthorizationCodes on the memory store
// ============================================================

func TestAuthorizationCodes_CreateAndConsume(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	codes := storage.NewAuthorizationCodes(store, 0, clock.Now)

	client := testutil.GenerateTestClient()
	challenge, _ := testutil.GeneratePKCEPair()

	code, err := codes.Create(ctx, storage.CodeRequest{
		Client:              client,
		UserID:              testutil.TestUserID,
		RedirectURI:         testutil.TestRedirectURI,
		Scopes:              []string{"read"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: storage.PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(code) < 43 {
		t.Errorf("code length = %d, want at least 43 (256 bits)", len(code))
	}

	record, err := codes.Consume(ctx, code)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if record.ClientID != client.ClientID || record.UserID != testutil.TestUserID {
		t.Errorf("record = %+v", record)
	}
	if record.GrantID == "" {
		t.Error("record must carry a grant ID")
	}
	if !record.ExpiresAt.Equal(clock.Now().Add(storage.DefaultAuthorizationCodeTTL)) {
		t.Errorf("ExpiresAt = %v, want now + default TTL", record.ExpiresAt)
	}

	// Reuse
	reused, err := codes.Consume(ctx, code)
	if !errors.Is(err, storage.ErrAuthorizationCodeInvalid) || !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("reuse error = %v, want invalid+used", err)
	}
	if reused == nil || reused.GrantID != record.GrantID {
		t.Error("reuse must return the consumed record")
	}
}

func TestAuthorizationCodes_ConsumeFailuresAreUniform(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	codes := storage.NewAuthorizationCodes(store, time.Minute, clock.Now)

	expired, err := codes.Create(ctx, storage.CodeRequest{
		Client:      testutil.GenerateTestClient(),
		UserID:      testutil.TestUserID,
		RedirectURI: testutil.TestRedirectURI,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(2 * time.Minute)

	for name, code := range map[string]string{
		"unknown": "no-such-code",
		"empty":   "",
		"expired": expired,
	} {
		t.Run(name, func(t *testing.T) {
			record, err := codes.Consume(ctx, code)
			if !errors.Is(err, storage.ErrAuthorizationCodeInvalid) {
				t.Errorf("Consume() error = %v, want ErrAuthorizationCodeInvalid", err)
			}
			if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
				t.Error("only reuse may match ErrAuthorizationCodeUsed")
			}
			if record != nil {
				t.Error("record must be nil")
			}
		})
	}
}

func TestAuthorizationCodes_CreateValidation(t *testing.T) {
	store, _ := newTestStore(t)
	codes := storage.NewAuthorizationCodes(store, 0, nil)

	tests := []struct {
		name string
		req  storage.CodeRequest
	}{
		{"nil client", storage.CodeRequest{UserID: "u", RedirectURI: "https://app/cb"}},
		{"empty user", storage.CodeRequest{Client: testutil.GenerateTestClient(), RedirectURI: "https://app/cb"}},
		{"empty redirect", storage.CodeRequest{Client: testutil.GenerateTestClient(), UserID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codes.Create(context.Background(), tt.req); err == nil {
				t.Error("Create() should fail")
			}
		})
	}
}

// ============================================================
// RefreshTokenStore Tests
// ============================================================

func TestStore_RefreshTokenRotation(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	record := testutil.GenerateTestRefreshTokenRecord("grant-1")
	record.ExpiresAt = clock.Now().Add(time.Hour)
	if err := store.SaveRefreshToken(ctx, record); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := store.GetRefreshToken(ctx, record.ID)
	if err != nil || got.Used {
		t.Fatalf("GetRefreshToken() = %+v, %v", got, err)
	}

	spent, err := store.AtomicConsumeRefreshToken(ctx, record.ID)
	if err != nil {
		t.Fatalf("AtomicConsumeRefreshToken() error = %v", err)
	}
	if spent.GrantID != "grant-1" {
		t.Errorf("GrantID = %q", spent.GrantID)
	}

	again, err := store.AtomicConsumeRefreshToken(ctx, record.ID)
	if !errors.Is(err, storage.ErrRefreshTokenUsed) {
		t.Fatalf("second consume error = %v, want ErrRefreshTokenUsed", err)
	}
	if again == nil || again.GrantID != "grant-1" {
		t.Error("reuse must return the spent record")
	}
}

func TestStore_RefreshToken_NotFoundAndExpired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	if _, err := store.AtomicConsumeRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("error = %v, want ErrRefreshTokenNotFound", err)
	}

	record := testutil.GenerateTestRefreshTokenRecord("grant-1")
	record.ExpiresAt = clock.Now().Add(time.Minute)
	_ = store.SaveRefreshToken(ctx, record)
	clock.Advance(time.Hour)

	if _, err := store.GetRefreshToken(ctx, record.ID); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("expired error = %v, want ErrRefreshTokenNotFound", err)
	}
}

func TestStore_ConcurrentRefreshConsume(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	record := testutil.GenerateTestRefreshTokenRecord("grant-1")
	record.ExpiresAt = clock.Now().Add(time.Hour)
	_ = store.SaveRefreshToken(ctx, record)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AtomicConsumeRefreshToken(ctx, record.ID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful consumes = %d, want exactly 1", wins.Load())
	}
}

// ============================================================
// GrantRevocationStore Tests
// ============================================================

func TestStore_RevokeGrant(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	record := testutil.GenerateTestRefreshTokenRecord("grant-1")
	record.ExpiresAt = clock.Now().Add(time.Hour)
	_ = store.SaveRefreshToken(ctx, record)

	other := testutil.GenerateTestRefreshTokenRecord("grant-2")
	other.ExpiresAt = clock.Now().Add(time.Hour)
	_ = store.SaveRefreshToken(ctx, other)

	if err := store.RevokeGrant(ctx, "grant-1", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}

	revoked, err := store.IsGrantRevoked(ctx, "grant-1")
	if err != nil || !revoked {
		t.Errorf("IsGrantRevoked(grant-1) = %v, %v", revoked, err)
	}
	if revoked, _ := store.IsGrantRevoked(ctx, "grant-2"); revoked {
		t.Error("grant-2 must not be revoked")
	}

	// Outstanding refresh tokens of the grant are spent
	if _, err := store.AtomicConsumeRefreshToken(ctx, record.ID); !errors.Is(err, storage.ErrRefreshTokenUsed) {
		t.Errorf("refresh of revoked grant error = %v, want ErrRefreshTokenUsed", err)
	}
	if _, err := store.AtomicConsumeRefreshToken(ctx, other.ID); err != nil {
		t.Errorf("refresh of other grant error = %v", err)
	}

	if err := store.RevokeGrant(ctx, "", clock.Now()); err == nil {
		t.Error("RevokeGrant() with empty ID should fail")
	}
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = clock.Now().Add(time.Minute)
	_ = store.SaveAuthorizationCode(ctx, code)

	record := testutil.GenerateTestRefreshTokenRecord("grant-1")
	record.ExpiresAt = clock.Now().Add(time.Minute)
	_ = store.SaveRefreshToken(ctx, record)

	_ = store.RevokeGrant(ctx, "grant-1", clock.Now().Add(time.Minute))

	clock.Advance(time.Hour)
	store.cleanup()

	store.mu.RLock()
	defer store.mu.RUnlock()
	if len(store.authCodes) != 0 || len(store.refreshTokens) != 0 || len(store.revokedGrants) != 0 {
		t.Errorf("cleanup left codes=%d refresh=%d revoked=%d",
			len(store.authCodes), len(store.refreshTokens), len(store.revokedGrants))
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}
