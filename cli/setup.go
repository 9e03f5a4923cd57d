package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pianm/common"
)

func (a *App) setupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Store PIA account credentials",
		Long: `Prompts for the PIA account username and password, verifies them
against the PIA API, and stores them in the system keyring. Run this
once before adding regions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSetup(cmd)
		},
	}
}

func (a *App) runSetup(cmd *cobra.Command) error {
	username, password, err := promptCredentials()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if _, err := a.api.Authenticate(ctx, username, password); err != nil {
		return common.WrapError(err, "verifying credentials")
	}

	if err := a.creds.StoreCredentials(username, password); err != nil {
		return err
	}

	// Cache the CA now so the first refresh does not depend on reaching
	// the PIA website.
	a.api.EnsureCACert(ctx)

	fmt.Println("Credentials verified and stored.")
	fmt.Println("Next: 'pia-nm add-region <id>' to create a profile,")
	fmt.Println("      'pia-nm install' to enable automatic refresh.")
	return nil
}

// promptCredentials reads the account username and password from the
// terminal. The password is read without echo when stdin is a TTY.
func promptCredentials() (string, string, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("PIA username (p#######): ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return "", "", common.WrapError(err, "reading username")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", fmt.Errorf("username cannot be empty")
	}

	fmt.Print("PIA password: ")
	var password string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", "", common.WrapError(err, "reading password")
		}
		password = string(raw)
	} else {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", common.WrapError(err, "reading password")
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return "", "", fmt.Errorf("password cannot be empty")
	}

	return username, password, nil
}
