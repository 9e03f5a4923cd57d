package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pianm/api"
	"pianm/common"
	"pianm/config"
	"pianm/nm"
)

func (a *App) listRegionsCommand() *cobra.Command {
	var portForwarding bool

	cmd := &cobra.Command{
		Use:   "list-regions",
		Short: "List available PIA regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runListRegions(cmd, portForwarding)
		},
	}
	cmd.Flags().BoolVar(&portForwarding, "port-forwarding", false,
		"show only regions with port forwarding")
	return cmd
}

func (a *App) runListRegions(cmd *cobra.Command, portForwarding bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	regions, err := a.api.Regions(cmd.Context())
	if err != nil {
		return err
	}
	regions = filterRegions(regions, portForwarding)

	sort.Slice(regions, func(i, j int) bool { return regions[i].ID < regions[j].ID })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPORT-FWD\tCONFIGURED")
	for _, r := range regions {
		portFwd := "no"
		if r.PortForward {
			portFwd = "yes"
		}
		configured := ""
		if _, ok := cfg.Region(r.ID); ok {
			configured = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, portFwd, configured)
	}
	return w.Flush()
}

func (a *App) addRegionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-region <region-id>",
		Short: "Create a NetworkManager profile for a PIA region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAddRegion(cmd, args[0])
		},
	}
}

func (a *App) runAddRegion(cmd *cobra.Command, regionID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.AddRegion(regionID); err != nil {
		return err
	}

	ctx := cmd.Context()
	token, err := a.token(ctx)
	if err != nil {
		return err
	}
	a.api.EnsureCACert(ctx)

	regions, err := a.api.Regions(ctx)
	if err != nil {
		return err
	}
	region, err := findRegion(regions, regionID)
	if err != nil {
		return err
	}
	if err := checkPortForwarding(cfg.Preferences, region); err != nil {
		return err
	}

	if err := a.provisionRegion(ctx, cfg, token, region); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Created profile %s for region %s.\n", config.ProfileName(regionID), regionID)
	return nil
}

func (a *App) removeRegionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-region <region-id>",
		Short: "Remove a region's profile and key material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRemoveRegion(args[0])
		},
	}
}

func (a *App) runRemoveRegion(regionID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, ok := cfg.Region(regionID); !ok {
		return fmt.Errorf("%w: %s", common.ErrRegionNotFound, regionID)
	}

	client, err := a.networkManager()
	if err != nil {
		return err
	}

	profileName := config.ProfileName(regionID)
	if ref, ok := client.GetByID(profileName); ok {
		if _, err := client.Remove(ref).Await(common.OperationTimeout); err != nil {
			return common.WrapError(err, "removing profile "+profileName)
		}
	} else {
		common.LogWarn("Profile %s not found in NetworkManager; removing configuration only", profileName)
	}

	if err := a.keys.Delete(regionID); err != nil {
		common.LogWarn("Failed to delete keypair for %s: %v", regionID, err)
	}

	cfg.RemoveRegion(regionID)
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Removed region %s.\n", regionID)
	return nil
}

// provisionRegion registers this machine's key with the region's first
// WireGuard server and creates (or recreates) the NetworkManager
// profile from the returned connection parameters.
func (a *App) provisionRegion(ctx context.Context, cfg *config.Config, token string, region api.Region) error {
	if len(region.Servers.WG) == 0 {
		return fmt.Errorf("region %s has no WireGuard servers", region.ID)
	}
	server := region.Servers.WG[0]

	privateKey, publicKey, err := a.regionKeypair(region.ID)
	if err != nil {
		return err
	}

	reg, err := a.api.RegisterKey(ctx, token, publicKey, server)
	if err != nil {
		return err
	}

	profileName := config.ProfileName(region.ID)
	settings, err := nm.BuildWireGuardSettings(nm.WireGuardProfile{
		Name:            profileName,
		InterfaceName:   nm.InterfaceNameFor(profileName),
		PrivateKey:      privateKey,
		ServerPublicKey: reg.ServerKey,
		ServerEndpoint:  reg.Endpoint(),
		PeerIP:          reg.PeerIP,
		DNSServers:      reg.DNSServers,
		UseVPNDNS:       cfg.Preferences.VPNDNS,
		DisableIPv6:     cfg.Preferences.DisableIPv6,
	})
	if err != nil {
		return common.WrapError(err, "building profile settings")
	}

	client, err := a.networkManager()
	if err != nil {
		return err
	}

	// Recreate rather than update: provisioning is the one moment the
	// profile is allowed to be rebuilt from scratch, since nothing is
	// connected through it yet.
	if old, ok := client.GetByID(profileName); ok {
		if _, err := client.Remove(old).Await(common.OperationTimeout); err != nil {
			return common.WrapError(err, "removing stale profile "+profileName)
		}
	}

	ref, err := client.Add(settings).Await(common.OperationTimeout)
	if err != nil {
		return common.WrapError(err, "creating profile "+profileName)
	}
	cfg.SetRegionUUID(region.ID, ref.UUID())
	return nil
}

// regionKeypair loads the stored keypair for a region, generating and
// persisting one when none exists.
func (a *App) regionKeypair(regionID string) (string, string, error) {
	if priv, pub, err := a.keys.Load(regionID); err == nil {
		return priv, pub, nil
	}
	priv, pub, err := a.keys.Generate()
	if err != nil {
		return "", "", err
	}
	if err := a.keys.Save(regionID, priv, pub); err != nil {
		return "", "", err
	}
	return priv, pub, nil
}

// token authenticates with the stored account credentials.
func (a *App) token(ctx context.Context) (string, error) {
	username, password, err := a.creds.Credentials()
	if err != nil {
		if errors.Is(err, common.ErrCredentialsNotFound) {
			return "", fmt.Errorf("no stored credentials; run 'pia-nm setup' first")
		}
		return "", err
	}
	return a.api.Authenticate(ctx, username, password)
}

// checkPortForwarding rejects a region without port forwarding when
// the configuration demands it.
func checkPortForwarding(prefs config.Preferences, region api.Region) error {
	if prefs.PortForwarding && !region.PortForward {
		return fmt.Errorf("region %s does not support port forwarding "+
			"(see 'pia-nm list-regions --port-forwarding')", region.ID)
	}
	return nil
}

// filterRegions keeps the regions a profile can actually be built for,
// optionally narrowed to those supporting port forwarding.
func filterRegions(regions []api.Region, portForwardOnly bool) []api.Region {
	out := make([]api.Region, 0, len(regions))
	for _, r := range regions {
		if len(r.Servers.WG) == 0 {
			continue
		}
		if portForwardOnly && !r.PortForward {
			continue
		}
		out = append(out, r)
	}
	return out
}

func findRegion(regions []api.Region, id string) (api.Region, error) {
	for _, r := range regions {
		if r.ID == id {
			return r, nil
		}
	}
	return api.Region{}, fmt.Errorf("%w: %s (see 'pia-nm list-regions')", common.ErrRegionNotFound, id)
}
