// Package cli implements the pia-nm command tree: account setup,
// region management, credential refresh, and the systemd timer that
// keeps refreshes running unattended.
package cli

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"pianm/api"
	"pianm/common"
	"pianm/config"
	"pianm/nm"
	"pianm/wgkey"
)

// App carries the collaborators shared by all commands. The
// NetworkManager client is created lazily: most commands never touch
// the bus and should not require it.
type App struct {
	creds common.CredentialStore
	keys  common.KeySource
	api   *api.Client

	nmOnce   sync.Once
	nmClient *nm.Client
	nmErr    error
}

// NewApp wires the production collaborators.
func NewApp() *App {
	return &App{
		creds: config.NewKeyring(),
		keys:  wgkey.NewStore(),
		api:   api.NewClient(),
	}
}

// Execute runs the command tree and returns the process exit code.
func Execute(version string) int {
	app := NewApp()
	if err := app.rootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *App) rootCommand(version string) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "pia-nm",
		Short: "Manage PIA WireGuard profiles in NetworkManager",
		Long: `pia-nm creates NetworkManager WireGuard profiles for Private
Internet Access regions and keeps their credentials fresh. Active
connections are updated in place, without dropping the tunnel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := common.LevelInfo
			if verbose {
				level = common.LevelDebug
				nm.EnableDebugAsserts(true)
			}
			if err := common.InitLogger(common.LogConfig{
				Level:      level,
				EnableFile: true,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not initialize file logging: %v\n", err)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose logging and threading assertions")

	root.AddCommand(
		a.setupCommand(),
		a.refreshCommand(),
		a.addRegionCommand(),
		a.removeRegionCommand(),
		a.listRegionsCommand(),
		a.statusCommand(),
		a.installCommand(),
		a.uninstallCommand(),
		a.enableCommand(),
		a.disableCommand(),
		versionCommand(version),
	)
	return root
}

// networkManager brings up the event loop and D-Bus service on first
// use. The loop stays up for the rest of the process.
func (a *App) networkManager() (*nm.Client, error) {
	a.nmOnce.Do(func() {
		loop := nm.NewLoop()
		a.nmClient, a.nmErr = nm.NewClient(loop, nm.NewDBusService(loop))
	})
	if a.nmErr != nil {
		return nil, common.WrapError(a.nmErr, "connecting to NetworkManager")
	}
	return a.nmClient, nil
}

func versionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pia-nm version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", common.AppName, version)
		},
	}
}
