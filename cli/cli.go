// Package cli is the command-line entry point, a kong-based CLI
// generalized from gokvm's flag package (its BootCMD/ProbeCMD
// subcommands and kong.Parse wiring in flag/runs.go) from a single-VM
// launcher to this module's config-file-driven, multi-VM platform.
package cli

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// BootCMD launches the platform from a static configuration file.
type BootCMD struct {
	ConfigPath string `short:"c" default:"/etc/partvisor/platform.yaml" help:"path to the platform configuration file"`
	Dev        string `short:"D" default:"/dev/kvm" help:"path of the kvm device"`
}

// ProbeCMD reports whether the host's /dev/kvm supports what this
// module requires.
type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of the kvm device"`
}

// CLI is the top-level kong command tree.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"boot the configured VMs"`
	Probe ProbeCMD `cmd:"" help:"probe host KVM capabilities"`
}

// BootFunc and ProbeFunc are injected by cmd/partvisor/main.go so this
// package stays free of a direct dependency on the platform/vm wiring,
// matching the accept-interfaces style the rest of this module uses.
var (
	BootFunc  func(configPath, dev string) error
	ProbeFunc func(dev string) error
)

// Run implements kong's command interface for "boot".
func (b *BootCMD) Run() error {
	if BootFunc == nil {
		return fmt.Errorf("cli: no boot implementation registered")
	}

	return BootFunc(b.ConfigPath, b.Dev)
}

// Run implements kong's command interface for "probe".
func (p *ProbeCMD) Run() error {
	if ProbeFunc == nil {
		return fmt.Errorf("cli: no probe implementation registered")
	}

	return ProbeFunc(p.Dev)
}

// Parse parses os.Args and runs the selected subcommand, matching the
// teacher's flag.Parse shape.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("partvisor"),
		kong.Description("partvisor boots a fixed set of statically configured pre-launched VMs"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// Exit prints err (if any) and returns the process exit code, the
// teacher's log.Fatal-on-error shape made testable.
func Exit(err error) int {
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, "partvisor:", err)

	return 1
}
