package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openctrol/openctrol-agent/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate a hash for an API key",
	Long: `Generate a hash of an API key for use in config.

The default output is an Argon2id PHC string. With --sha256 the output is
"sha256:<hex>". Either form goes in the auth.api_keys[].key_hash field; clients
send the raw key in the X-Openctrol-Key header.

Example:
  openctrol-agent hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using environment variable:
  openctrol-agent hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if hashKeySHA256 {
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashKey(key))
			return nil
		}
		hash, err := auth.HashKeyArgon2id(key)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "output sha256:<hex> instead of Argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
