package cmd

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/secrets"
)

var secretGenerate bool

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage credentials in the OS keychain",
	Long: `Store the JWT secret or the publish token in the OS credential store
(the login Keychain on macOS). Set auth.keychain or publish.keychain to
read them from there.

Names: jwt, publish`,
	Annotations: map[string]string{skipConfigAnnotation: "true"},
}

var secretSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Store a credential read from stdin, or a generated one",
	Long: `Store a credential. The value is the first line of stdin unless
--generate is given, in which case a random value is stored and printed.

Example:
  wsrelay secret set jwt --generate
  echo "$TOKEN" | wsrelay secret set publish`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := secretAccount(args[0])
		if err != nil {
			return err
		}
		value, err := secretValue(cmd.InOrStdin(), secretGenerate)
		if err != nil {
			return err
		}
		if account == secrets.AccountJWTSecret && len(value) < auth.MinSecretLength {
			return fmt.Errorf("jwt secret must be at least %d bytes", auth.MinSecretLength)
		}
		if err := secrets.Set(account, value); err != nil {
			return fmt.Errorf("failed to store %s: %w", args[0], err)
		}
		if secretGenerate {
			fmt.Fprintln(cmd.OutOrStdout(), value)
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:         "delete NAME",
	Short:       "Remove a stored credential",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := secretAccount(args[0])
		if err != nil {
			return err
		}
		if err := secrets.Delete(account); err != nil {
			return fmt.Errorf("failed to delete %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd)
	secretSetCmd.Flags().BoolVar(&secretGenerate, "generate", false, "Generate a random value and print it")
}

func secretAccount(name string) (string, error) {
	account, ok := secrets.Account(name)
	if !ok {
		return "", fmt.Errorf("unknown credential %q (want jwt or publish)", name)
	}
	if !secrets.IsSupported() {
		return "", secrets.ErrNotSupported
	}
	return account, nil
}

// secretValue returns a random value, or the first line of r.
func secretValue(r io.Reader, generate bool) (string, error) {
	if generate {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(buf), nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("no value on stdin")
	}
	return value, nil
}
