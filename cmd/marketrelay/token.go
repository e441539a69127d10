package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/marketrelay/internal/config"
	"github.com/neboloop/marketrelay/internal/credentials"
)

// TokenCmd manages the stored backend credentials.
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage backend credentials",
	}
	cmd.AddCommand(tokenSetCmd())
	cmd.AddCommand(tokenClearCmd())
	return cmd
}

func tokenSetCmd() *cobra.Command {
	var token, userID string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a bearer token and user id",
		Long: `Store a bearer token and user id in the configured credentials source.

A running relay watching the credentials file picks the new token up on its
next handshake.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := credentials.Credentials{Token: strings.TrimSpace(token), UserID: strings.TrimSpace(userID)}
			if c.Token == "" || c.UserID == "" {
				return errors.New("--token and --user-id are required")
			}
			if exp, ok := credentials.ExpiresAt(c.Token); ok && !c.Valid() {
				return fmt.Errorf("token expired at %s", exp.Format("2006-01-02 15:04:05"))
			}
			if err := saveCredentials(ServerConfig.Credentials, c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials stored (%s)\n", ServerConfig.Credentials.Source)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	return cmd
}

func tokenClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clearCredentials(ServerConfig.Credentials); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credentials removed")
			return nil
		},
	}
}

func saveCredentials(cc config.CredentialsConfig, c credentials.Credentials) error {
	switch strings.ToLower(cc.Source) {
	case "", "file":
		if cc.File == "" {
			return errors.New("credentials.file is not configured")
		}
		if err := os.MkdirAll(filepath.Dir(cc.File), 0o700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
		return credentials.FileSource{Path: cc.File}.Save(c)
	case "keyring":
		return credentials.KeyringSource{Service: cc.KeyringService, User: cc.KeyringUser}.Save(c)
	default:
		return fmt.Errorf("credentials source %q is read-only", cc.Source)
	}
}

func clearCredentials(cc config.CredentialsConfig) error {
	switch strings.ToLower(cc.Source) {
	case "", "file":
		if err := os.Remove(cc.File); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	case "keyring":
		return credentials.KeyringSource{Service: cc.KeyringService, User: cc.KeyringUser}.Delete()
	default:
		return fmt.Errorf("credentials source %q is read-only", cc.Source)
	}
}
