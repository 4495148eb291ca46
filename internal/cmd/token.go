package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/config"
)

var (
	tokenUser        string
	tokenPermissions []string
	tokenTTL         time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HS256 token for development",
	Long: `Mint a signed token with the configured JWT secret and issuer. The
token is printed on stdout.

Example:
  wsrelay token --user alice
  wsrelay token --user alice --permission events:read --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := mintToken(cfg.Auth, tokenUser, tokenPermissions, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id (sub claim)")
	tokenCmd.Flags().StringSliceVar(&tokenPermissions, "permission", nil, "Permission to grant; repeat or comma-separate")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

func mintToken(ac config.AuthConfig, user string, permissions []string, ttl time.Duration) (string, error) {
	if user == "" {
		return "", fmt.Errorf("a user is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	v, err := auth.NewJWTValidator(ac.Secret(), ac.Issuer)
	if err != nil {
		return "", fmt.Errorf("%w (set auth.jwt_secret or $%s)", err, ac.JWTSecretEnv)
	}
	return v.Generate(user, permissions, ttl)
}
