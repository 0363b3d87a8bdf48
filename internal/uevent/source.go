// Package uevent wraps the kernel's udev hot-plug channels into the
// pollable handle described by spec §4.5: a stream of parsed add/change/
// remove events for the "thunderbolt" subsystem, plus a one-shot Enumerate
// used by the Manager at startup to find devices already connected.
package uevent

import (
	"context"
	"strconv"
	"strings"

	"github.com/jochenvg/go-udev"

	"github.com/canonical/tbauthd/internal/logger"
	"github.com/canonical/tbauthd/internal/tberrors"
)

const subsystem = "thunderbolt"

// Action is the kind of change a udev event reports.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionRemove Action = "remove"
)

// Event is a filtered, parsed hotplug notification for one thunderbolt
// sysfs node.
type Event struct {
	Action     Action
	Syspath    string
	Sysname    string
	UniqueID   string // only set for add/change, per spec §4.5
	Authorized int
}

// Source is a pollable handle over the "udev" (authoritative) and "kernel"
// (trace-only) netlink monitors, filtered to the thunderbolt subsystem.
type Source struct {
	udev      udev.Udev
	udevMon   *udev.Monitor
	kernelMon *udev.Monitor
}

// New opens both netlink monitors and applies the thunderbolt subsystem
// filter to each.
func New() (*Source, error) {
	var u udev.Udev

	udevMon := u.NewMonitorFromNetlink("udev")

	err := udevMon.FilterAddMatchSubsystem(subsystem)
	if err != nil {
		return nil, tberrors.Udev("Failed to filter the udev monitor", err)
	}

	kernelMon := u.NewMonitorFromNetlink("kernel")

	err = kernelMon.FilterAddMatchSubsystem(subsystem)
	if err != nil {
		return nil, tberrors.Udev("Failed to filter the kernel monitor", err)
	}

	return &Source{udev: u, udevMon: udevMon, kernelMon: kernelMon}, nil
}

// Enumerate lists every thunderbolt device currently present in sysfs, used
// by the Manager on startup to seed its device set before any uevent
// arrives.
func (s *Source) Enumerate() ([]Event, error) {
	enum := s.udev.NewEnumerate()

	err := enum.AddMatchSubsystem(subsystem)
	if err != nil {
		return nil, tberrors.Udev("Failed to set enumerate filter", err)
	}

	devices, err := enum.Devices()
	if err != nil {
		return nil, tberrors.Udev("Failed to enumerate thunderbolt devices", err)
	}

	var events []Event

	for _, dev := range devices {
		ev, ok := fromDevice(ActionAdd, dev)
		if !ok {
			continue
		}

		events = append(events, ev)
	}

	return events, nil
}

// Run starts reading both monitors until ctx is cancelled, delivering
// filtered, authoritative udev events to handler. Kernel-stream events are
// logged for tracing only and never reach handler, per spec §4.5 and the
// open question in spec §9 preserving that split.
func (s *Source) Run(ctx context.Context, handler func(Event)) error {
	udevCh, err := s.udevMon.DeviceChan(ctx)
	if err != nil {
		return tberrors.Udev("Failed to start the udev monitor", err)
	}

	kernelCh, err := s.kernelMon.DeviceChan(ctx)
	if err != nil {
		return tberrors.Udev("Failed to start the kernel monitor", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case dev, ok := <-kernelCh:
			if !ok {
				kernelCh = nil
				continue
			}

			logger.Debug("Observed kernel-stream uevent (trace only)", logger.Ctx{
				"action":  dev.Action(),
				"syspath": dev.Syspath(),
			})

		case dev, ok := <-udevCh:
			if !ok {
				return nil
			}

			ev, accept := fromDevice(Action(dev.Action()), dev)
			if !accept {
				continue
			}

			handler(ev)
		}
	}
}

// udevDevice is the subset of *udev.Device Source needs, narrowed so
// fromDevice can be unit tested against a fake.
type udevDevice interface {
	Action() string
	Syspath() string
	Sysname() string
	PropertyValue(key string) string
}

func fromDevice(action Action, dev udevDevice) (Event, bool) {
	sysname := dev.Sysname()
	if strings.HasPrefix(sysname, "domain") {
		return Event{}, false
	}

	ev := Event{
		Action:  action,
		Syspath: dev.Syspath(),
		Sysname: sysname,
	}

	if action == ActionAdd || action == ActionChange {
		uid := dev.PropertyValue("UNIQUE_ID")
		if uid == "" {
			return Event{}, false
		}

		ev.UniqueID = uid

		if a, err := strconv.Atoi(dev.PropertyValue("AUTHORIZED")); err == nil {
			ev.Authorized = a
		}
	}

	return ev, true
}
