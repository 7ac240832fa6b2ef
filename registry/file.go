package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-issuer/storage"
)

// ClientsFile is the on-disk shape of a static client registration file
type ClientsFile struct {
	Clients []ClientEntry `yaml:"clients"`
}

// ClientEntry is one statically registered client
type ClientEntry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	SecretHash   string   `yaml:"secret_hash"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	SigningKeyID string   `yaml:"signing_key_id"`
	Disabled     bool     `yaml:"disabled"`
}

// LoadClientsFile reads and validates a YAML clients file
func LoadClientsFile(path string) ([]*storage.Client, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clients file: %w", err)
	}
	return ParseClients(b)
}

// ParseClients parses the YAML clients document
func ParseClients(b []byte) ([]*storage.Client, error) {
	var f ClientsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse clients file: %w", err)
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(f.Clients))
	clients := make([]*storage.Client, 0, len(f.Clients))

	for i, e := range f.Clients {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("client %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("client %q: duplicate id", id)
		}
		seen[id] = struct{}{}

		clientType := e.Type
		if clientType == "" {
			clientType = storage.ClientTypePublic
			if e.SecretHash != "" {
				clientType = storage.ClientTypeConfidential
			}
		}
		switch clientType {
		case storage.ClientTypePublic:
			if e.SecretHash != "" {
				return nil, fmt.Errorf("client %q: public clients must not have a secret", id)
			}
		case storage.ClientTypeConfidential:
			if e.SecretHash == "" {
				return nil, fmt.Errorf("client %q: confidential clients require secret_hash", id)
			}
		default:
			return nil, fmt.Errorf("client %q: unknown type %q", id, clientType)
		}

		if len(e.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %q: at least one redirect URI is required", id)
		}

		clients = append(clients, &storage.Client{
			ClientID:         id,
			ClientSecretHash: e.SecretHash,
			ClientType:       clientType,
			ClientName:       e.Name,
			RedirectURIs:     e.RedirectURIs,
			Scopes:           e.Scopes,
			SigningKeyID:     e.SigningKeyID,
			Disabled:         e.Disabled,
			CreatedAt:        now,
		})
	}

	return clients, nil
}

// Seed saves every client into the store and drops stale cache entries
func (r *Registry) Seed(ctx context.Context, clients []*storage.Client) error {
	for _, c := range clients {
		if err := r.store.SaveClient(ctx, c); err != nil {
			return fmt.Errorf("failed to register client %q: %w", c.ClientID, err)
		}
		r.Invalidate(c.ClientID)
	}
	r.logger.Info("Registered static clients", "count", len(clients))
	return nil
}
