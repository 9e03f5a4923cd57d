package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pianm/api"
	"pianm/common"
	"pianm/config"
	"pianm/nm"
)

func (a *App) refreshCommand() *cobra.Command {
	var region string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rotate credentials on all configured regions",
		Long: `Re-registers this machine's WireGuard key with every configured
region and pushes the fresh credentials into the NetworkManager
profiles. Profiles that are connected are updated live, without
dropping the tunnel; inactive profiles are updated on disk. Keys older
than the rotation age are replaced.

This is the command the systemd timer runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRefresh(cmd, region)
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "refresh only this region")
	return cmd
}

func (a *App) runRefresh(cmd *cobra.Command, only string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	targets, err := regionsToRefresh(cfg, only)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No regions configured. Use 'pia-nm add-region' first.")
		return nil
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

	client, err := a.networkManager()
	if err != nil {
		return err
	}
	engine := nm.NewRefreshEngine(client)

	failed := 0
	for _, region := range targets {
		if err := a.refreshRegion(ctx, engine, token, regions, region.ID); err != nil {
			common.LogError("Refresh of %s failed: %v", region.ID, err)
			fmt.Printf("  %s: FAILED (%v)\n", region.ID, err)
			failed++
			continue
		}
		fmt.Printf("  %s: ok\n", region.ID)
	}

	// The refresh timestamp only advances when every configured region
	// succeeded, so a partial failure keeps the run marked as due.
	if failed == 0 && only == "" {
		cfg.TouchRefresh()
		if err := cfg.Save(); err != nil {
			common.LogWarn("Could not record refresh time: %v", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d regions failed to refresh", failed, len(targets))
	}
	return nil
}

// regionsToRefresh selects the configured regions to work on: all of
// them, or just the one named by --region.
func regionsToRefresh(cfg *config.Config, only string) ([]config.Region, error) {
	if only == "" {
		return cfg.Regions, nil
	}
	region, ok := cfg.Region(only)
	if !ok {
		return nil, fmt.Errorf("%w: %s (add it with 'pia-nm add-region %s')",
			common.ErrRegionNotFound, only, only)
	}
	return []config.Region{region}, nil
}

// refreshRegion rotates one region: re-register the public key (with a
// fresh keypair when the stored one is due), then push the private key
// and endpoint into the profile. A live refresh rejected for a stale
// version token is retried a bounded number of times; each retry
// re-snapshots, so the whole operation stays lock-free.
func (a *App) refreshRegion(ctx context.Context, engine *nm.RefreshEngine, token string, regions []api.Region, regionID string) error {
	region, err := findRegion(regions, regionID)
	if err != nil {
		return err
	}
	if len(region.Servers.WG) == 0 {
		return fmt.Errorf("region %s has no WireGuard servers", regionID)
	}
	server := region.Servers.WG[0]

	privateKey, publicKey, rotated, err := a.refreshKeypair(regionID)
	if err != nil {
		return err
	}

	reg, err := a.api.RegisterKey(ctx, token, publicKey, server)
	if err != nil {
		return err
	}

	// The registration succeeded, so the new key is now the one PIA
	// knows. Persist it before touching the profile: a failure past
	// this point must not lose the only working private key.
	if rotated {
		if err := a.keys.Save(regionID, privateKey, publicKey); err != nil {
			return err
		}
		common.LogInfo("Rotated WireGuard key for region %s", regionID)
	}

	req := nm.RefreshRequest{
		ID:         config.ProfileName(regionID),
		PrivateKey: privateKey,
		Endpoint:   reg.Endpoint(),
	}

	var didLive bool
	for attempt := 1; ; attempt++ {
		didLive, err = engine.Refresh(req)
		if err == nil {
			break
		}
		if !errors.Is(err, common.ErrReapplyFailed) || attempt >= common.RefreshRetries {
			if errors.Is(err, common.ErrConnectionNotFound) {
				return fmt.Errorf("%w (recreate it with 'pia-nm add-region %s')", err, regionID)
			}
			return err
		}
		common.LogWarn("Live refresh of %s rejected (attempt %d/%d), retrying with a fresh snapshot",
			req.ID, attempt, common.RefreshRetries)
	}

	if didLive {
		common.LogInfo("Region %s refreshed live", regionID)
	} else {
		common.LogInfo("Region %s refreshed on disk", regionID)
	}
	return nil
}

// refreshKeypair returns the keypair to register: the stored one, or a
// freshly generated one (not yet persisted) when rotation is due.
func (a *App) refreshKeypair(regionID string) (privateKey, publicKey string, rotated bool, err error) {
	if !a.keys.ShouldRotate(regionID) {
		privateKey, publicKey, err = a.keys.Load(regionID)
		if err == nil {
			return privateKey, publicKey, false, nil
		}
		common.LogWarn("Stored keypair for %s unreadable, generating a new one: %v", regionID, err)
	}
	privateKey, publicKey, err = a.keys.Generate()
	if err != nil {
		return "", "", false, err
	}
	return privateKey, publicKey, true, nil
}
