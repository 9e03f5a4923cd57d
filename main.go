// Command pia-nm manages Private Internet Access WireGuard profiles in
// NetworkManager. It creates one profile per configured region, keeps
// the registered keys and endpoints fresh on a systemd user timer, and
// updates connected profiles in place so a refresh never drops the
// tunnel.
//
// Usage:
//
//	pia-nm setup              store account credentials
//	pia-nm add-region <id>    create a profile for a region
//	pia-nm refresh            rotate credentials on all regions
//	pia-nm install            enable the automatic refresh timer
package main

import (
	"os"

	"pianm/cli"
	"pianm/common"
)

// Version is injected at build time via ldflags (-X main.version=x.y.z).
var version = "dev"

func main() {
	code := cli.Execute(version)
	common.CloseLogger()
	os.Exit(code)
}
