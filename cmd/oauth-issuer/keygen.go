package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-issuer/token"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key",
	Long: `Generates signing key material and prints it as a keys entry for the
configuration file. Ed25519 keys are published on the JWKS endpoint; HMAC
keys are shared secrets and stay private.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		keyType, _ := cmd.Flags().GetString("type")

		kc, err := generateKey(id, keyType)
		if err != nil {
			return err
		}

		out, err := yaml.Marshal(map[string][]keyConfig{"keys": {kc}})
		if err != nil {
			return fmt.Errorf("failed to encode key: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// generateKey creates random key material and checks it is accepted by the
// token package before handing it out.
func generateKey(id, keyType string) (keyConfig, error) {
	var size int
	switch keyType {
	case keyTypeEd25519:
		size = ed25519.SeedSize
	case keyTypeHMAC:
		size = 2 * token.MinHMACKeyLength
	default:
		return keyConfig{}, fmt.Errorf("unsupported key type %q (use %s or %s)", keyType, keyTypeEd25519, keyTypeHMAC)
	}

	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return keyConfig{}, fmt.Errorf("failed to generate key material: %w", err)
	}

	kc := keyConfig{
		ID:     id,
		Type:   keyType,
		Secret: base64.StdEncoding.EncodeToString(secret),
		Active: true,
	}
	if _, err := buildKeyring([]keyConfig{kc}); err != nil {
		return keyConfig{}, err
	}
	return kc, nil
}

func init() {
	keygenCmd.Flags().String("id", "key-1", "Key ID (kid header)")
	keygenCmd.Flags().String("type", keyTypeEd25519, "Key type: ed25519 or hmac")
	rootCmd.AddCommand(keygenCmd)
}
