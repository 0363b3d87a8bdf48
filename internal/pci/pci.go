// Package pci normalises PCI addresses and carries the fixed NHI
// (Thunderbolt/USB4 host controller) PCI id table used to decide whether a
// host's sysfs unique_id survives a reboot.
package pci

import "strings"

// NormaliseAddress expands a short "bb:dd.f" PCI address into its full
// "dddd:bb:dd.f" form and lower-cases it. Addresses already in long form are
// only lower-cased. An empty address is returned unchanged.
func NormaliseAddress(address string) string {
	if address == "" {
		return ""
	}

	address = strings.ToLower(address)

	// Short form is missing the domain segment.
	if strings.Count(address, ":") == 1 {
		address = "0000:" + address
	}

	return address
}

// stabilityTable maps NHI PCI device ids (vendor is always Intel, 0x8086,
// for the controllers this daemon cares about) to whether the kernel
// reports a stable unique_id for that host across reboots.
//
// This mirrors spec §4.1's uuid_stability lookup: unstable hosts must not be
// re-identified by uid alone. The store keys every record by uid; it keeps no
// pci-keyed host records.
var stabilityTable = map[uint32]bool{
	0x1575: false, // Alpine Ridge LP
	0x1577: true,  // Alpine Ridge
	0x15d2: true,  // Alpine Ridge (USB3.1)
	0x15e7: true,  // Titan Ridge
	0x15ea: true,  // Titan Ridge DD
	0x15ef: true,  // Titan Ridge 4C
	0x8a17: false, // Ice Lake
	0x9a1b: true,  // Tiger Lake
	0x9a1d: true,  // Tiger Lake
	0x9a1f: true,  // Tiger Lake Low Power
	0x9a21: true,  // Tiger Lake
	0x9a23: true,  // Tiger Lake
	0x9a25: true,  // Tiger Lake
}

// UUIDStable reports whether a host behind the given NHI PCI device id keeps
// a stable unique_id across reboots. Unknown ids are treated as unstable, per
// spec §6 ("callers treat NotFound as assume unstable").
func UUIDStable(nhiDeviceID uint32) bool {
	stable, ok := stabilityTable[nhiDeviceID]
	if !ok {
		return false
	}

	return stable
}
