package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ticketflow/internal/server"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// jwtSecret prefers the flag, then JWT_SECRET from the environment or .env.
func jwtSecret(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	_ = godotenv.Load()
	if s := os.Getenv("JWT_SECRET"); s != "" {
		return s, nil
	}
	return "", errors.New("JWT_SECRET is required (or pass --secret)")
}

func newTokenCmd() *cobra.Command {
	var email, role, secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case server.RoleUser, server.RoleTechnician, server.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			s, err := jwtSecret(secret)
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(s, email, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "Email claim (required)")
	cmd.Flags().StringVarP(&role, "role", "r", server.RoleTechnician, "Role: user, technician, admin")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default: $JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("email")
	return cmd
}

// The failover flag lives in the serving process, so the reset goes through
// its admin endpoint.
func newResetCacheCmd() *cobra.Command {
	var addr, secret string
	cmd := &cobra.Command{
		Use:   "reset-cache",
		Short: "Switch a running server's cache back to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := jwtSecret(secret)
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(s, "ticketctl@localhost", server.RoleAdmin, time.Minute)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(addr, "/")+"/cache/reset", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
			if err != nil {
				return fmt.Errorf("reset cache: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reset cache: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Fprint(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "server", "http://localhost:8080", "Base URL of the running server")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default: $JWT_SECRET)")
	return cmd
}
