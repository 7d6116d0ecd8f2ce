package commands

import (
	"bytes"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/systmms/credsentry/internal/app"
	"github.com/systmms/credsentry/internal/secure"
)

// NewKeygenCommand creates the keygen command
func NewKeygenCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random payload encryption key and IV",
		Long: `Print a fresh 32-byte key and 16-byte IV in hex, in the form expected by
encryption.key / encryption.iv or a remote secret holding "<key>:<iv>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, iv, err := secure.GenerateKeyMaterial()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CREDSENTRY_ENCRYPTION_KEY=%s\n", key)
			fmt.Fprintf(out, "CREDSENTRY_ENCRYPTION_IV=%s\n", iv)
			return nil
		},
	}
}

// NewEncryptCommand creates the encrypt command
func NewEncryptCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a credential payload read from stdin",
		Long: `Read a payload (a JSON object or a bare secret) from stdin and print the
ciphertext to store in the credential's encrypted payload column.`,
		Example: `  echo '{"host":"db1","username":"svc","password":"s3cret"}' | credsentry encrypt`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			cipher, err := app.OpenCipher(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cipher.Destroy()

			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			defer memguard.WipeBytes(raw)
			payload := bytes.TrimRight(raw, "\r\n")
			if len(payload) == 0 {
				return fmt.Errorf("empty payload on stdin")
			}

			enc, err := cipher.Encrypt(payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
}
