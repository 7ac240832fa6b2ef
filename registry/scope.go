package registry

import (
	"github.com/giantswarm/oauth-issuer/storage"
)

// ValidateRedirectURI reports whether uri is registered for the client.
// Only exact string matches are accepted.
func ValidateRedirectURI(client *storage.Client, uri string) bool {
	if client == nil || uri == "" {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// NarrowScope returns the intersection of requested and the client's allowed
// scopes, ordered as in the client's allowed list. An empty request grants the
// full allowed set. An empty result is ErrInvalidScope, never an empty grant.
func NarrowScope(client *storage.Client, requested []string) ([]string, error) {
	if client == nil {
		return nil, ErrInvalidScope
	}

	if len(requested) == 0 {
		granted := dedupe(client.Scopes)
		if len(granted) == 0 {
			return nil, ErrInvalidScope
		}
		return granted, nil
	}

	want := make(map[string]struct{}, len(requested))
	for _, s := range requested {
		want[s] = struct{}{}
	}

	var granted []string
	for _, s := range dedupe(client.Scopes) {
		if _, ok := want[s]; ok {
			granted = append(granted, s)
		}
	}

	if len(granted) == 0 {
		return nil, ErrInvalidScope
	}
	return granted, nil
}

func dedupe(scopes []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
