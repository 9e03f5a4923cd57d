package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pianm/config"
	"pianm/dispatcher"
	"pianm/systemd"
)

func (a *App) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured regions, profile state, and timer status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStatus()
		},
	}
}

func (a *App) runStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if !a.creds.HasCredentials() {
		fmt.Println("No credentials stored. Run 'pia-nm setup'.")
	}

	if len(cfg.Regions) == 0 {
		fmt.Println("No regions configured.")
	} else {
		client, err := a.networkManager()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REGION\tPROFILE\tSTATE\tKEY")
		for _, region := range cfg.Regions {
			profileName := config.ProfileName(region.ID)

			state := "missing"
			if _, ok := client.GetByID(profileName); ok {
				state = "inactive"
				if _, active := client.GetActive(profileName); active {
					state = "connected"
				}
			}

			key := "ok"
			if a.keys.ShouldRotate(region.ID) {
				key = "rotation due"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", region.ID, profileName, state, key)
		}
		w.Flush()
	}

	if !cfg.Metadata.LastRefresh.IsZero() {
		fmt.Printf("\nLast refresh: %s\n", cfg.Metadata.LastRefresh.Local().Format("2006-01-02 15:04:05"))
	}

	mgr, err := systemd.NewManager()
	if err != nil {
		return nil
	}
	active, detail, err := mgr.Status()
	switch {
	case err != nil:
		fmt.Println("Refresh timer: unknown (systemctl unavailable)")
	case active:
		fmt.Println("Refresh timer: active")
		if detail != "" {
			fmt.Println(detail)
		}
	default:
		fmt.Println("Refresh timer: not active (run 'pia-nm install')")
	}

	disp := dispatcher.NewManager()
	if disp.GuardInstalled() {
		fmt.Println("IPv6 leak guard: installed")
	} else if cfg.Preferences.DisableIPv6 {
		fmt.Println("IPv6 leak guard: not installed (run 'pia-nm install')")
	}
	if disp.NotifyInstalled() {
		fmt.Println("Connection notifications: installed")
	}
	return nil
}
