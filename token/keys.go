package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// MinHMACKeyLength is the minimum HS256 secret length in bytes (RFC 7518 Section 3.2).
const MinHMACKeyLength = 32

// ErrUnknownKey is returned when no key matches the requested key ID.
var ErrUnknownKey = errors.New("unknown signing key")

// Key is a named signing key. A Key built from public material only can
// verify but not sign.
type Key struct {
	ID string

	method   jwt.SigningMethod
	signer   any // []byte or ed25519.PrivateKey
	verifier any // []byte or ed25519.PublicKey
}

// KeySource resolves the verification key for a token's kid header.
type KeySource interface {
	VerificationKey(kid string) (*Key, error)
}

// NewHMACKey creates an HS256 key from a shared secret.
func NewHMACKey(id string, secret []byte) (*Key, error) {
	if id == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if len(secret) < MinHMACKeyLength {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes, got %d", MinHMACKeyLength, len(secret))
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Key{ID: id, method: jwt.SigningMethodHS256, signer: s, verifier: s}, nil
}

// NewEd25519Key creates an EdDSA key from a private key.
func NewEd25519Key(id string, priv ed25519.PrivateKey) (*Key, error) {
	if id == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ed25519 private key")
	}
	return &Key{ID: id, method: jwt.SigningMethodEdDSA, signer: priv, verifier: pub}, nil
}

// NewEd25519KeyFromSeed creates an EdDSA key from a 32-byte RFC 8032 seed.
func NewEd25519KeyFromSeed(id string, seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519Key(id, ed25519.NewKeyFromSeed(seed))
}

// NewEd25519PublicKey creates a verify-only EdDSA key.
func NewEd25519PublicKey(id string, pub ed25519.PublicKey) (*Key, error) {
	if id == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size %d", len(pub))
	}
	return &Key{ID: id, method: jwt.SigningMethodEdDSA, verifier: pub}, nil
}

// GenerateEd25519Key generates a fresh EdDSA key.
func GenerateEd25519Key(id string) (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return NewEd25519Key(id, priv)
}

// Algorithm returns the JWS alg value of the key.
func (k *Key) Algorithm() string {
	if k == nil || k.method == nil {
		return ""
	}
	return k.method.Alg()
}

// CanSign reports whether the key holds private material.
func (k *Key) CanSign() bool {
	return k != nil && k.method != nil && k.signer != nil
}

// PublicKey returns the Ed25519 public key, or nil for symmetric keys.
func (k *Key) PublicKey() ed25519.PublicKey {
	if pub, ok := k.verifier.(ed25519.PublicKey); ok {
		return pub
	}
	return nil
}

// VerificationKey implements KeySource for a single key. A token without a
// kid header is accepted; a token naming another key is not.
func (k *Key) VerificationKey(kid string) (*Key, error) {
	if kid != "" && kid != k.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return k, nil
}

// Keyring holds the server's signing keys. Exactly one key is active and is
// used when a client does not reference a specific key.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]*Key
	active string
}

// NewKeyring creates a keyring with active as the default signing key.
func NewKeyring(active *Key, others ...*Key) (*Keyring, error) {
	if !active.CanSign() {
		return nil, fmt.Errorf("active key must hold private key material")
	}
	r := &Keyring{keys: make(map[string]*Key, len(others)+1), active: active.ID}
	r.keys[active.ID] = active
	for _, k := range others {
		if err := r.Add(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a key. Verify-only keys are accepted so tokens signed by a
// retired key keep validating until they expire.
func (r *Keyring) Add(k *Key) error {
	if k == nil || k.ID == "" || k.method == nil {
		return fmt.Errorf("invalid key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[k.ID]; exists {
		return fmt.Errorf("duplicate key id %q", k.ID)
	}
	r.keys[k.ID] = k
	return nil
}

// SetActive switches the default signing key.
func (r *Keyring) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	if !k.CanSign() {
		return fmt.Errorf("key %q cannot sign", id)
	}
	r.active = id
	return nil
}

// Active returns the default signing key.
func (r *Keyring) Active() *Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[r.active]
}

// SigningKey resolves a client's signing key reference. An empty reference
// selects the active key.
func (r *Keyring) SigningKey(id string) (*Key, error) {
	if id == "" {
		return r.Active(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return k, nil
}

// VerificationKey implements KeySource. Tokens must name their key.
func (r *Keyring) VerificationKey(kid string) (*Key, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKey)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return k, nil
}

// JWK is the RFC 8037 public representation of an Ed25519 key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWKS returns the public Ed25519 keys, sorted by key ID. Symmetric
// keys are never published.
func (r *Keyring) PublicJWKS() JWKS {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := JWKS{Keys: []JWK{}}
	for _, k := range r.keys {
		pub := k.PublicKey()
		if pub == nil {
			continue
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: k.ID,
			Alg: k.Algorithm(),
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(pub),
		})
	}
	sort.Slice(set.Keys, func(i, j int) bool { return set.Keys[i].Kid < set.Keys[j].Kid })
	return set
}
