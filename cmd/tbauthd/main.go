package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set by the build, matching the corpus's ldflags convention; it
// stays "dev" in a plain "go build".
var version = "dev"

type cmdGlobal struct {
	flagHelp    bool
	flagVersion bool
	flagDebug   bool

	flagStoreDir string
	flagSysfsDir string
}

func main() {
	daemonCmd := cmdDaemon{}
	app := daemonCmd.command()
	app.Use = "tbauthd"
	app.Short = "Thunderbolt peripheral authorization daemon"
	app.Long = `Description:
  Thunderbolt peripheral authorization daemon

  tbauthd watches udev for Thunderbolt/USB4 device hotplug, mediates the
  kernel's authorization protocol, and remembers each device's enrollment
  policy across reconnects and reboots.
`
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	globalCmd := cmdGlobal{}
	app.PersistentFlags().BoolVar(&globalCmd.flagVersion, "version", false, "Print version number")
	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help")
	app.PersistentFlags().BoolVar(&globalCmd.flagDebug, "debug", false, "Enable debug logging")
	app.PersistentFlags().StringVar(&globalCmd.flagStoreDir, "store-dir", "/var/lib/tbauthd", "Path to the enrollment store")
	app.PersistentFlags().StringVar(&globalCmd.flagSysfsDir, "sysfs-dir", "/sys", "Path to the sysfs mount")
	daemonCmd.global = &globalCmd

	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = version

	err := app.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
