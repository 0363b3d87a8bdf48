package sysfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/tbauthd/internal/store"
	"github.com/canonical/tbauthd/internal/sysfs"
)

func writeAttr(t *testing.T, node, attr, value string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(node, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(node, attr), []byte(value), 0644))
}

func TestIdentifyPrefersNamedAttrs(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "bus", "thunderbolt", "devices", "0-1")
	writeAttr(t, node, "device_name", "Example Dock")
	writeAttr(t, node, "vendor_name", "Example Corp")
	writeAttr(t, node, "device", "0x1234")
	writeAttr(t, node, "vendor", "0x5678")

	p := sysfs.New(root)
	name, vendor, err := p.Identify(node)
	require.NoError(t, err)
	assert.Equal(t, "Example Dock", name)
	assert.Equal(t, "Example Corp", vendor)
}

func TestIdentifyFallsBackToRawIDs(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "bus", "thunderbolt", "devices", "0-1")
	writeAttr(t, node, "device", "0x1234")
	writeAttr(t, node, "vendor", "0x5678")

	p := sysfs.New(root)
	name, vendor, err := p.Identify(node)
	require.NoError(t, err)
	assert.Equal(t, "0x1234", name)
	assert.Equal(t, "0x5678", vendor)
}

func TestIdentifyHostFallsBackToDMI(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "devices", "pci0000:00", "0000:00:0d.2")
	require.NoError(t, os.MkdirAll(node, 0755))
	writeAttr(t, filepath.Join(root, "class", "dmi", "id"), "sys_vendor", "Acme")
	writeAttr(t, filepath.Join(root, "class", "dmi", "id"), "product_name", "Laptop 9000")

	p := sysfs.New(root)
	name, vendor, err := p.Identify(node)
	require.NoError(t, err)
	assert.Equal(t, "Laptop 9000", name)
	assert.Equal(t, "Acme", vendor)
}

func TestIdentifyLenovoUsesProductVersion(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "devices", "pci0000:00", "0000:00:0d.2")
	require.NoError(t, os.MkdirAll(node, 0755))
	writeAttr(t, filepath.Join(root, "class", "dmi", "id"), "sys_vendor", "LENOVO")
	writeAttr(t, filepath.Join(root, "class", "dmi", "id"), "product_name", "wrong")
	writeAttr(t, filepath.Join(root, "class", "dmi", "id"), "product_version", "ThinkPad X1")

	p := sysfs.New(root)
	name, vendor, err := p.Identify(node)
	require.NoError(t, err)
	assert.Equal(t, "ThinkPad X1", name)
	assert.Equal(t, "Lenovo", vendor)
}

func TestDomainOfWalksAncestors(t *testing.T) {
	root := t.TempDir()
	domain := filepath.Join(root, "devices", "pci0000:00", "0000:00:0d.2", "domain0")
	device := filepath.Join(domain, "0-1")

	require.NoError(t, os.MkdirAll(device, 0755))
	writeAttr(t, domain, "devtype", "thunderbolt_domain")
	require.NoError(t, os.Symlink(filepath.Join(root, "bus", "thunderbolt"), filepath.Join(domain, "subsystem")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "thunderbolt"), 0755))

	p := sysfs.New(root)
	found, err := p.DomainOf(device)
	require.NoError(t, err)
	assert.Equal(t, domain, found)
}

func TestSecurityOfParses(t *testing.T) {
	root := t.TempDir()
	domain := filepath.Join(root, "domain0")
	writeAttr(t, domain, "security", "secure")

	p := sysfs.New(root)
	sec, err := p.SecurityOf(domain)
	require.NoError(t, err)
	assert.Equal(t, store.SecuritySecure, sec)
}

func TestReadLinkSpeedMissingIsZero(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "0-1")
	writeAttr(t, node, "rx_lanes", "2")
	writeAttr(t, node, "rx_speed", "20")
	require.NoError(t, os.MkdirAll(node, 0755))

	p := sysfs.New(root)
	ls := p.ReadLinkSpeed(node)
	assert.Equal(t, 2, ls.RxLanes)
	assert.Equal(t, 20, ls.RxSpeed)
	assert.Equal(t, 0, ls.TxLanes)
	assert.Equal(t, 0, ls.TxSpeed)
}

func TestReadBootACLAbsenceVsEmpty(t *testing.T) {
	root := t.TempDir()
	nodeAbsent := filepath.Join(root, "absent")
	require.NoError(t, os.MkdirAll(nodeAbsent, 0755))

	p := sysfs.New(root)

	_, ok, err := p.ReadBootACL(nodeAbsent)
	require.NoError(t, err)
	assert.False(t, ok)

	nodeEmpty := filepath.Join(root, "empty")
	writeAttr(t, nodeEmpty, "boot_acl", "")

	acl, ok, err := p.ReadBootACL(nodeEmpty)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, acl)
}

func TestWriteBootACLJoinsByComma(t *testing.T) {
	root := t.TempDir()
	node := filepath.Join(root, "domain0")
	require.NoError(t, os.MkdirAll(node, 0755))

	p := sysfs.New(root)
	require.NoError(t, p.WriteBootACL(node, []string{"u1", "u2"}))

	b, err := os.ReadFile(filepath.Join(node, "boot_acl"))
	require.NoError(t, err)
	assert.Equal(t, "u1,u2", string(b))
}

func TestNHIPCIIDForDomain(t *testing.T) {
	root := t.TempDir()
	pciParent := filepath.Join(root, "devices", "pci0000:00", "0000:00:0d.2")
	domain := filepath.Join(pciParent, "domain0")
	require.NoError(t, os.MkdirAll(domain, 0755))
	writeAttr(t, pciParent, "device", "0x15e7")

	p := sysfs.New(root)
	id, err := p.NHIPCIIDForDomain(domain)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x15e7), id)
}

func TestCountHostsCountsDomainsWithChildren(t *testing.T) {
	root := t.TempDir()
	busDir := filepath.Join(root, "bus", "thunderbolt", "devices")

	// domain0 has a child device: counts as a host.
	require.NoError(t, os.MkdirAll(filepath.Join(busDir, "domain0", "0-1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(busDir, "domain0", "power"), 0755))

	// domain1 has only its "power" directory: no attached peripherals.
	require.NoError(t, os.MkdirAll(filepath.Join(busDir, "domain1", "power"), 0755))

	// A non-domain entry alongside the domains must not be counted as one.
	require.NoError(t, os.MkdirAll(filepath.Join(busDir, "0-1"), 0755))

	p := sysfs.New(root)
	n, err := p.CountHosts()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountHostsMissingBusDir(t *testing.T) {
	p := sysfs.New(t.TempDir())

	n, err := p.CountHosts()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
