package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ongarde/ongarde/internal/domain/key"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for an API key",
	Long: `Generate the argon2id hash of an API key plaintext.

The output is a PHC-format string matching what the key store persists,
useful for manually repairing a key database or verifying a backup.

Example:
  ongarde hash-key "ong-01hq3k5v8n2x7m9c4f6t0p1s2a"

Security note: the key will appear in shell history.
Consider using an environment variable:
  ongarde hash-key "$ONGARDE_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := key.HashPlaintext(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
