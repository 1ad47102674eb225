package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/turngate/internal/creds"
)

var genkeyUser string
var genkeyRealm string
var genkeyAlgorithm string

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a TURN credential",
	Long: `Generate a random value suitable for TURN authentication.

With no flags, genkey prints a fresh 32-byte shared secret suitable for
auth.static_secret in shared-secret mode (RFC-adjacent TURN REST API
credential scheme).

With --user, genkey instead prompts for nothing and derives the long-term
credential key for a static user, printing the key_hex value to put in that
user's row under [[users]] in secrets.toml:

  turngate genkey --user alice --realm turngate.example.org`,
	RunE: runGenkey,
}

func init() {
	genkeyCmd.Flags().StringVar(&genkeyUser, "user", "", "derive a static user's key_hex instead of a shared secret")
	genkeyCmd.Flags().StringVar(&genkeyRealm, "realm", "", "realm to derive the key under (required with --user)")
	genkeyCmd.Flags().StringVar(&genkeyAlgorithm, "algorithm", "md5", "key derivation algorithm: md5 or sha256")
}

func runGenkey(cmd *cobra.Command, args []string) error {
	if genkeyUser != "" {
		return runGenkeyUser(cmd)
	}
	return runGenkeySecret(cmd)
}

func runGenkeySecret(cmd *cobra.Command) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating shared secret: %w", err)
	}
	fmt.Println(hex.EncodeToString(secret))
	fmt.Fprintln(cmd.ErrOrStderr(), "set this as static_secret in secrets.toml and auth_mode = \"shared-secret\" in config.toml")
	return nil
}

func runGenkeyUser(cmd *cobra.Command) error {
	if genkeyRealm == "" {
		return fmt.Errorf("--realm is required with --user")
	}

	var password [24]byte
	if _, err := rand.Read(password[:]); err != nil {
		return fmt.Errorf("generating password: %w", err)
	}
	passwordStr := hex.EncodeToString(password[:])

	alg := creds.AlgorithmMD5
	if genkeyAlgorithm == "sha256" {
		alg = creds.AlgorithmSHA256
	}

	key := creds.DeriveKey(genkeyUser, genkeyRealm, passwordStr, alg)

	fmt.Println(hex.EncodeToString(key))
	fmt.Fprintf(cmd.ErrOrStderr(), "password: %s\n", passwordStr)
	fmt.Fprintf(cmd.ErrOrStderr(), "add a [[users]] entry with username=%q, key_hex=<stdout value>, algorithm=%q\n", genkeyUser, genkeyAlgorithm)
	fmt.Fprintln(cmd.ErrOrStderr(), "give the client the password, not the key_hex")

	return nil
}
