package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var loginPassword string

// loginCmd authenticates against the backend and persists credentials
var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in to the document-processing backend",
	Long: `Log in with your dashboard account and persist the session.

The password is read from the --password flag or, when omitted, from stdin.
Tokens are stored in the configured credential store and refreshed
transparently by later commands.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

// logoutCmd ends the session and clears credentials
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear stored credentials",
	RunE:  runLogout,
}

// statusCmd shows the current session state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE:  runStatus,
}

func runLogin(cmd *cobra.Command, args []string) error {
	email := args[0]

	password := loginPassword
	if password == "" {
		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return fmt.Errorf("password required")
	}

	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	user, err := sess.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("Logged in as %s\n", user.Email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if err := sess.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Println("Logged out.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Printf("Backend: %s\n", cfg.Backend.BaseURL)
	fmt.Printf("Credential store: %s\n", cfg.Auth.Store)
	if sess.IsAuthenticated() {
		fmt.Printf("Session: authenticated (%s)\n", sess.State())
	} else {
		fmt.Println("Session: not authenticated. Run 'doctrace login <email>'.")
	}
	return nil
}

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password (omit to read from stdin)")
}
