// Package sysfs is a pure-function façade over the kernel's Thunderbolt
// sysfs hierarchy (spec §4.1). All reads go through a Probe so tests can
// point it at a fake tree instead of the real /sys.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jaypipes/pcidb"

	"github.com/canonical/tbauthd/internal/keymaterial"
	"github.com/canonical/tbauthd/internal/store"
	"github.com/canonical/tbauthd/internal/tberrors"
)

// Probe reads Thunderbolt device attributes from a sysfs tree rooted at
// Root (normally "/sys", overridden in tests).
type Probe struct {
	Root string

	pcidb     *pcidb.PCIDB
	pcidbErr  error
	pcidbOnce bool
}

// New returns a Probe rooted at root.
func New(root string) *Probe {
	return &Probe{Root: root}
}

// LinkSpeed describes the negotiated Thunderbolt/USB4 link in both
// directions.
type LinkSpeed struct {
	RxLanes int
	RxSpeed int // Gb/s per lane
	TxLanes int
	TxSpeed int // Gb/s per lane
}

func (p *Probe) attrPath(node, attr string) string {
	return filepath.Join(node, attr)
}

// readAttr reads a sysfs attribute, trimming the trailing newline the
// kernel always appends. A missing attribute is reported as a UdevError.
func readAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", tberrors.Udev(fmt.Sprintf("Attribute %q does not exist", path), err)
		}

		return "", tberrors.Udev(fmt.Sprintf("Failed to read attribute %q", path), err)
	}

	return strings.TrimRight(string(b), "\n"), nil
}

// readAttrOptional reads a non-essential attribute, returning ("", false,
// nil) rather than an error when it is missing so callers can demote to a
// warning and leave the field at its default, per spec §7.
func readAttrOptional(path string) (string, bool, error) {
	v, err := readAttr(path)
	if err != nil {
		if tberrors.IsKind(err, tberrors.KindUdev) && os.IsNotExist(unwrapErrno(err)) {
			return "", false, nil
		}

		return "", false, err
	}

	return v, true, nil
}

func unwrapErrno(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return err
	}

	return u.Unwrap()
}

// Identify reads the human-readable name/vendor for node, preferring
// vendor_name/device_name over the raw vendor/device hex ids, and falling
// back to DMI for the host controller when neither is present. The PCI ID
// database is not consulted; a field that DMI cannot fill is left empty.
func (p *Probe) Identify(node string) (name string, vendor string, err error) {
	if dn, ok, _ := readAttrOptional(p.attrPath(node, "device_name")); ok {
		name = dn
	}

	if vn, ok, _ := readAttrOptional(p.attrPath(node, "vendor_name")); ok {
		vendor = vn
	}

	if name != "" && vendor != "" {
		return name, vendor, nil
	}

	if name == "" {
		if dev, ok, _ := readAttrOptional(p.attrPath(node, "device")); ok {
			name = dev
		}
	}

	if vendor == "" {
		if ven, ok, _ := readAttrOptional(p.attrPath(node, "vendor")); ok {
			vendor = ven
		}
	}

	if name != "" && vendor != "" {
		return name, vendor, nil
	}

	// Host controller fallback: DMI.
	dmiName, dmiVendor, dmiErr := p.identifyFromDMI()
	if dmiErr == nil {
		if name == "" {
			name = dmiName
		}

		if vendor == "" {
			vendor = dmiVendor
		}
	}

	return name, vendor, nil
}

func (p *Probe) identifyFromDMI() (name string, vendor string, err error) {
	dmiRoot := filepath.Join(p.Root, "class", "dmi", "id")

	vendor, vErr := readAttr(filepath.Join(dmiRoot, "sys_vendor"))
	if vErr != nil {
		return "", "", vErr
	}

	productNameAttr := "product_name"
	if strings.EqualFold(vendor, "lenovo") {
		vendor = "Lenovo"
		productNameAttr = "product_version"
	}

	name, nErr := readAttr(filepath.Join(dmiRoot, productNameAttr))
	if nErr != nil {
		return "", "", nErr
	}

	return name, vendor, nil
}

// DomainOf walks node's parent chain and returns the first ancestor whose
// subsystem is "thunderbolt" and devtype is "thunderbolt_domain", or ""
// when node is directly under the host (no domain found).
func (p *Probe) DomainOf(node string) (string, error) {
	cur := node

	for {
		parent := filepath.Dir(cur)
		if parent == cur || parent == "/" || parent == "." {
			return "", nil
		}

		cur = parent

		subsystem, ok := p.readSymlinkTarget(filepath.Join(cur, "subsystem"))
		if !ok || filepath.Base(subsystem) != "thunderbolt" {
			continue
		}

		devtype, ok, _ := readAttrOptional(p.attrPath(cur, "devtype"))
		if ok && devtype == "thunderbolt_domain" {
			return cur, nil
		}
	}
}

func (p *Probe) readSymlinkTarget(path string) (string, bool) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", false
	}

	return target, true
}

// SecurityOf reads and parses the domain's "security" attribute.
func (p *Probe) SecurityOf(domainNode string) (store.Security, error) {
	v, err := readAttr(p.attrPath(domainNode, "security"))
	if err != nil {
		return "", err
	}

	return store.ParseSecurity(v), nil
}

// CountHosts returns the number of Thunderbolt domains that have at least
// one child device, by scanning the domain bus directory.
func (p *Probe) CountHosts() (int, error) {
	busDir := filepath.Join(p.Root, "bus", "thunderbolt", "devices")

	entries, err := os.ReadDir(busDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, tberrors.Udev(fmt.Sprintf("Failed to list %q", busDir), err)
	}

	count := 0

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "domain") {
			continue
		}

		domainPath := filepath.Join(busDir, e.Name())

		children, err := os.ReadDir(domainPath)
		if err != nil {
			continue
		}

		for _, c := range children {
			if c.Name() != "power" && !strings.HasPrefix(c.Name(), ".") {
				count++
				break
			}
		}
	}

	return count, nil
}

// NHIPCIIDForDomain reads the "device" attribute of the domain's PCI
// parent, the NHI (native host interface) PCI function backing it.
func (p *Probe) NHIPCIIDForDomain(domainNode string) (uint32, error) {
	pciParent := filepath.Dir(domainNode)

	v, err := readAttr(p.attrPath(pciParent, "device"))
	if err != nil {
		return 0, err
	}

	v = strings.TrimPrefix(v, "0x")

	id, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, tberrors.Udev(fmt.Sprintf("Failed to parse NHI PCI id %q", v), err)
	}

	return uint32(id), nil
}

// ReadLinkSpeed reads the rx/tx lane count and per-lane speed, treating any
// missing attribute as zero rather than failing (non-essential attributes).
func (p *Probe) ReadLinkSpeed(node string) LinkSpeed {
	var ls LinkSpeed

	ls.RxLanes = p.readIntOptional(node, "rx_lanes")
	ls.RxSpeed = p.readIntOptional(node, "rx_speed")
	ls.TxLanes = p.readIntOptional(node, "tx_lanes")
	ls.TxSpeed = p.readIntOptional(node, "tx_speed")

	return ls
}

func (p *Probe) readIntOptional(node, attr string) int {
	v, ok, _ := readAttrOptional(p.attrPath(node, attr))
	if !ok {
		return 0
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}

	return n
}

// ReadBootACL reads the comma-separated boot_acl list. Absence (ENOENT) is
// reported as ok=false, distinct from an empty list.
func (p *Probe) ReadBootACL(node string) (acl []string, ok bool, err error) {
	v, present, err := readAttrOptional(p.attrPath(node, "boot_acl"))
	if err != nil {
		return nil, false, err
	}

	if !present {
		return nil, false, nil
	}

	if v == "" {
		return []string{}, true, nil
	}

	return strings.Split(v, ","), true, nil
}

// WriteBootACL joins acl by comma and writes it atomically.
func (p *Probe) WriteBootACL(node string, acl []string) error {
	return p.writeAttr(node, "boot_acl", strings.Join(acl, ","))
}

// WriteAuthorize writes value ("1" or "2") to node's "authorize" attribute,
// the kernel's trigger for the authorization protocol (spec §4.4). Callers
// are responsible for retrying on EBUSY.
func (p *Probe) WriteAuthorize(node, value string) error {
	return p.writeAttr(node, "authorize", value)
}

// WriteKey writes key's hex encoding to node's "key" attribute, as required
// before the first authorize=1 write of a secure enrollment.
func (p *Probe) WriteKey(node string, key keymaterial.Key) error {
	return p.writeAttr(node, "key", key.String())
}

// ReadKey reads node's "key" attribute back, used to verify a freshly
// written key round-tripped through the controller before it is persisted.
func (p *Probe) ReadKey(node string) (keymaterial.Key, error) {
	v, err := readAttr(p.attrPath(node, "key"))
	if err != nil {
		return keymaterial.Key{}, err
	}

	return keymaterial.Parse(v)
}

func (p *Probe) writeAttr(node, attr, value string) error {
	path := p.attrPath(node, attr)

	err := os.WriteFile(path, []byte(value), 0644)
	if err != nil {
		return tberrors.Udev(fmt.Sprintf("Failed to write attribute %q", path), err)
	}

	return nil
}

// loadPCIDB lazily loads the PCI ID database on the first DescribeNHI call.
func (p *Probe) loadPCIDB() (*pcidb.PCIDB, error) {
	if p.pcidbOnce {
		return p.pcidb, p.pcidbErr
	}

	p.pcidbOnce = true
	p.pcidb, p.pcidbErr = pcidb.New()

	return p.pcidb, p.pcidbErr
}

// DescribeNHI resolves a vendor/product name for an NHI PCI device id from
// the PCI ID database. Identify does not call it.
func (p *Probe) DescribeNHI(vendorID, deviceID uint32) (vendorName, productName string, err error) {
	db, err := p.loadPCIDB()
	if err != nil {
		return "", "", tberrors.Udev("Failed to load PCI ID database", err)
	}

	vid := fmt.Sprintf("%04x", vendorID)
	did := fmt.Sprintf("%04x", deviceID)

	vendor, ok := db.Vendors[vid]
	if !ok {
		return "", "", tberrors.NotFound(fmt.Sprintf("No PCI vendor %q in database", vid))
	}

	for _, product := range vendor.Products {
		if strings.EqualFold(product.ID, did) {
			return vendor.Name, product.Name, nil
		}
	}

	return vendor.Name, "", tberrors.NotFound(fmt.Sprintf("No PCI product %q for vendor %q", did, vid))
}

// Stat returns raw device-node major/minor information, used to cross-check
// a char/block device backing a sysfs node (e.g. a USB peripheral exposed
// alongside its Thunderbolt link).
func Stat(devicePath string) (major, minor uint32, err error) {
	var st unix.Stat_t

	err = unix.Stat(devicePath, &st)
	if err != nil {
		return 0, 0, tberrors.Udev(fmt.Sprintf("Failed to stat %q", devicePath), err)
	}

	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}
