package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/canonical/tbauthd/internal/bus"
	"github.com/canonical/tbauthd/internal/logger"
	"github.com/canonical/tbauthd/internal/manager"
	"github.com/canonical/tbauthd/internal/store"
	"github.com/canonical/tbauthd/internal/sysfs"
	"github.com/canonical/tbauthd/internal/uevent"
)

const shutdownTimeout = 5 * time.Second

type cmdDaemon struct {
	global *cmdGlobal
}

func (c *cmdDaemon) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "tbauthd"
	cmd.RunE = c.run

	return cmd
}

func (c *cmdDaemon) run(cmd *cobra.Command, args []string) error {
	logger.SetDebug(c.global.flagDebug)

	logger.Info("Starting up", logger.Ctx{"store_dir": c.global.flagStoreDir, "sysfs_dir": c.global.flagSysfsDir})

	st, err := store.New(c.global.flagStoreDir)
	if err != nil {
		return err
	}

	probe := sysfs.New(c.global.flagSysfsDir)

	events, err := uevent.New()
	if err != nil {
		return err
	}

	mgr := manager.New(probe, st, events, nil)

	srv, err := bus.New(mgr)
	if err != nil {
		return err
	}
	defer srv.Close()

	mgr.SetNotifier(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = mgr.Start(ctx)
	if err != nil {
		return err
	}

	srv.Sync()

	_, err = daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("Failed to notify systemd of readiness", logger.Ctx{"err": err})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	watchdog := c.startWatchdog(ctx)
	defer watchdog.Stop()

	<-sigCh

	logger.Info("Shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	cancel()

	err = mgr.Close(shutdownTimeout)
	if err != nil {
		logger.Warn("Manager did not shut down cleanly", logger.Ctx{"err": err})
	}

	return nil
}

// startWatchdog pings systemd at half the interval it configured via
// WATCHDOG_USEC, if any; this daemon has no sub-loop liveness to check
// beyond its own goroutine being scheduled, which is enough to catch a full
// deadlock.
func (c *cmdDaemon) startWatchdog(ctx context.Context) *time.Ticker {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return time.NewTicker(time.Hour)
	}

	ticker := time.NewTicker(interval / 2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()

	return ticker
}
