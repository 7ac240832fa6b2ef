package registry

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

// countingStore counts GetClient calls and can inject a store failure
type countingStore struct {
	storage.ClientStore
	gets atomic.Int32
	fail error
}

func (c *countingStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	c.gets.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.ClientStore.GetClient(ctx, clientID)
}

// slowStore holds GetClient until released or until the lookup context ends
type slowStore struct {
	storage.ClientStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.ClientStore.GetClient(ctx, clientID)
}

func newTestRegistry(t *testing.T, clients ...*storage.Client) (*Registry, *countingStore) {
	t.Helper()

	mem := memory.New()
	t.Cleanup(mem.Stop)

	for _, c := range clients {
		if err := mem.SaveClient(context.Background(), c); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	store := &countingStore{ClientStore: mem}
	r, err := New(store, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, store
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("New() should fail without a store")
	}
}

func TestResolve(t *testing.T) {
	r, store := newTestRegistry(t, testutil.GenerateTestClient())
	ctx := context.Background()

	client, err := r.Resolve(ctx, testutil.TestClientID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if client.ClientID != testutil.TestClientID {
		t.Errorf("ClientID = %q, want %q", client.ClientID, testutil.TestClientID)
	}

	// Second lookup is served from the cache
	if _, err := r.Resolve(ctx, testutil.TestClientID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := store.gets.Load(); got != 1 {
		t.Errorf("store gets = %d, want 1", got)
	}

	r.Invalidate(testutil.TestClientID)
	if _, err := r.Resolve(ctx, testutil.TestClientID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := store.gets.Load(); got != 2 {
		t.Errorf("store gets after Invalidate = %d, want 2", got)
	}
}

func TestResolve_ReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t, testutil.GenerateTestClient())
	ctx := context.Background()

	client, err := r.Resolve(ctx, testutil.TestClientID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	client.Scopes[0] = "admin"

	again, err := r.Resolve(ctx, testutil.TestClientID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := []string{"read", "write"}; !reflect.DeepEqual(again.Scopes, want) {
		t.Errorf("Scopes = %v, want %v", again.Scopes, want)
	}
}

func TestResolve_NotFound(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "nope"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Resolve() error = %v, want ErrClientNotFound", err)
	}

	// Negative results are not cached
	if _, err := r.Resolve(ctx, "nope"); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Resolve() error = %v, want ErrClientNotFound", err)
	}
	if got := store.gets.Load(); got != 2 {
		t.Errorf("store gets = %d, want 2", got)
	}

	if _, err := r.Resolve(ctx, ""); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Resolve(\"\") error = %v, want ErrClientNotFound", err)
	}
	if got := store.gets.Load(); got != 2 {
		t.Errorf("empty id reached the store: gets = %d", got)
	}
}

func TestResolve_Disabled(t *testing.T) {
	client := testutil.GenerateTestClient()
	client.Disabled = true
	r, _ := newTestRegistry(t, client)

	if _, err := r.Resolve(context.Background(), client.ClientID); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("Resolve() error = %v, want ErrClientNotFound", err)
	}
}

func TestResolve_StoreFailure(t *testing.T) {
	r, store := newTestRegistry(t, testutil.GenerateTestClient())
	store.fail = errors.New("connection refused")

	_, err := r.Resolve(context.Background(), testutil.TestClientID)
	if err == nil {
		t.Fatal("Resolve() should fail when the store fails")
	}
	if errors.Is(err, ErrClientNotFound) {
		t.Error("store failure must not look like an unknown client")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %q, want the store cause", err)
	}
}

func TestResolve_Concurrent(t *testing.T) {
	r, store := newTestRegistry(t, testutil.GenerateTestClient())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := r.Resolve(ctx, testutil.TestClientID)
			if err == nil && client.ClientID != testutil.TestClientID {
				err = errors.New("wrong client " + client.ClientID)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Resolve() error = %v", err)
		}
	}
	if got := store.gets.Load(); got < 1 || got > 20 {
		t.Errorf("store gets = %d, want between 1 and 20", got)
	}
}

func TestResolve_SharedLookupSurvivesCancelledCaller(t *testing.T) {
	mem := memory.New()
	t.Cleanup(mem.Stop)
	if err := mem.SaveClient(context.Background(), testutil.GenerateTestClient()); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	store := &slowStore{
		ClientStore: mem,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	r, err := New(store, Config{CacheTTL: -1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The first caller starts the lookup and then gives up
	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, testutil.TestClientID)
		firstErr <- err
	}()
	<-store.started

	secondErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), testutil.TestClientID)
		secondErr <- err
	}()

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(store.release)
	select {
	case err := <-secondErr:
		if err != nil {
			t.Errorf("second caller error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}
}

func TestResolve_CacheDisabled(t *testing.T) {
	mem := memory.New()
	t.Cleanup(mem.Stop)
	if err := mem.SaveClient(context.Background(), testutil.GenerateTestClient()); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	store := &countingStore{ClientStore: mem}
	r, err := New(store, Config{CacheTTL: -1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), testutil.TestClientID); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}
	if got := store.gets.Load(); got != 3 {
		t.Errorf("store gets = %d, want 3", got)
	}
}

func TestAuthenticate(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	confidential := &storage.Client{
		ClientID:         "conf",
		ClientType:       storage.ClientTypeConfidential,
		ClientSecretHash: hash,
		RedirectURIs:     []string{testutil.TestRedirectURI},
		Scopes:           []string{"read"},
	}
	r, _ := newTestRegistry(t, testutil.GenerateTestClient(), confidential)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"confidential with correct secret", "conf", "s3cret", false},
		{"confidential with wrong secret", "conf", "wrong", true},
		{"confidential without secret", "conf", "", true},
		{"public without secret", testutil.TestClientID, "", false},
		{"public with secret", testutil.TestClientID, "anything", true},
		{"unknown client", "ghost", "s3cret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := r.Authenticate(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
				}
				if client != nil {
					t.Error("Authenticate() returned a client on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}

func TestHashSecret_Empty(t *testing.T) {
	if _, err := HashSecret(""); err == nil {
		t.Error("HashSecret(\"\") should fail")
	}
}
