package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pianm/common"
	"pianm/config"
	"pianm/dispatcher"
	"pianm/systemd"
)

func (a *App) installCommand() *cobra.Command {
	var notify bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and enable the automatic refresh timer",
		Long: `Installs the systemd user timer that refreshes credentials every
12 hours. When the disable_ipv6 preference is on, also installs a
NetworkManager dispatcher script that turns IPv6 off system-wide while
a PIA profile is connected (needs root; sudo is used when necessary).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInstall(notify)
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", false,
		"also install desktop notifications for completed connections")
	return cmd
}

func (a *App) runInstall(notify bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	mgr, err := systemd.NewManager()
	if err != nil {
		return err
	}
	if err := mgr.Install(); err != nil {
		return err
	}
	fmt.Println("Refresh timer installed and enabled (runs every 12 hours).")

	disp := dispatcher.NewManager()
	if cfg.Preferences.DisableIPv6 {
		if err := disp.InstallGuard(); err != nil {
			common.LogWarn("Could not install the IPv6 guard: %v", err)
			fmt.Println("IPv6 leak guard not installed; rerun with sudo available to add it.")
		} else {
			fmt.Println("IPv6 leak guard installed.")
		}
	}
	if notify {
		if err := disp.InstallNotify(); err != nil {
			return err
		}
		fmt.Println("Connection notifications installed.")
	}
	return nil
}

func (a *App) uninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the automatic refresh timer and dispatcher scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := systemd.NewManager()
			if err != nil {
				return err
			}
			if err := mgr.Uninstall(); err != nil {
				return err
			}

			disp := dispatcher.NewManager()
			if err := disp.RemoveGuard(); err != nil {
				common.LogWarn("Could not remove the IPv6 guard: %v", err)
			}
			if err := disp.RemoveNotify(); err != nil {
				common.LogWarn("Could not remove the notification script: %v", err)
			}

			fmt.Println("Refresh timer removed.")
			return nil
		},
	}
}

func (a *App) enableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Enable the installed refresh timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := systemd.NewManager()
			if err != nil {
				return err
			}
			if err := mgr.Enable(); err != nil {
				return err
			}
			fmt.Println("Refresh timer enabled.")
			return nil
		},
	}
}

func (a *App) disableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the refresh timer without removing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := systemd.NewManager()
			if err != nil {
				return err
			}
			if err := mgr.Disable(); err != nil {
				return err
			}
			fmt.Println("Refresh timer disabled.")
			return nil
		},
	}
}
