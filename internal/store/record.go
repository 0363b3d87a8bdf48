// Package store implements the on-disk, crash-safe Enrollment Store (spec
// §4.3): a directory of uid subdirectories, each holding a "device" record
// file and an optional "key" file.
package store

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canonical/tbauthd/internal/tberrors"
)

// Policy is a device's enrollment preference.
type Policy string

const (
	// PolicyDefault treats the device as Manual unless overridden.
	PolicyDefault Policy = "default"
	// PolicyManual never auto-authorizes the device.
	PolicyManual Policy = "manual"
	// PolicyAuto authorizes the device automatically on reconnect.
	PolicyAuto Policy = "auto"
)

// ParsePolicy validates a caller-supplied policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyDefault, PolicyManual, PolicyAuto:
		return Policy(s), nil
	default:
		return "", tberrors.InvalidArgument(fmt.Sprintf("Invalid policy %q", s))
	}
}

// Security is a per-domain security level, copied onto a device at connect.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityUser    Security = "user"
	SecuritySecure  Security = "secure"
	SecurityDPOnly  Security = "dponly"
	SecurityUSBOnly Security = "usbonly"
	SecurityUnknown Security = "unknown"
)

// ParseSecurity maps a raw sysfs "security" attribute value to a Security.
func ParseSecurity(s string) Security {
	switch strings.TrimSpace(s) {
	case "none":
		return SecurityNone
	case "user":
		return SecurityUser
	case "secure":
		return SecuritySecure
	case "dponly":
		return SecurityDPOnly
	case "usbonly":
		return SecurityUSBOnly
	default:
		return SecurityUnknown
	}
}

// Record is the persisted, on-disk representation of an enrolled device:
// name, vendor, policy, first-seen timestamp and stored security level, as
// described by spec §6's store layout. It intentionally excludes the
// transient fields (syspath, parent uid, status) that only make sense for a
// connected device.
type Record struct {
	UID      string
	Name     string
	Vendor   string
	Policy   Policy
	CTime    time.Time
	Security Security
}

// Encode renders the record as stable key=value lines.
func (r Record) Encode() string {
	var b strings.Builder

	fmt.Fprintf(&b, "uid=%s\n", r.UID)
	fmt.Fprintf(&b, "name=%s\n", r.Name)
	fmt.Fprintf(&b, "vendor=%s\n", r.Vendor)
	fmt.Fprintf(&b, "policy=%s\n", r.Policy)
	fmt.Fprintf(&b, "ctime=%d\n", r.CTime.Unix())
	fmt.Fprintf(&b, "security=%s\n", r.Security)

	return b.String()
}

// DecodeRecord parses the key=value lines written by Encode.
func DecodeRecord(data []byte) (Record, error) {
	var r Record

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		switch key {
		case "uid":
			r.UID = value
		case "name":
			r.Name = value
		case "vendor":
			r.Vendor = value
		case "policy":
			p, err := ParsePolicy(value)
			if err != nil {
				return Record{}, tberrors.Store(fmt.Sprintf("Invalid policy %q in device record", value), err)
			}

			r.Policy = p
		case "ctime":
			sec, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Record{}, tberrors.Store("Invalid ctime in device record", err)
			}

			r.CTime = time.Unix(sec, 0)
		case "security":
			r.Security = ParseSecurity(value)
		}
	}

	err := scanner.Err()
	if err != nil {
		return Record{}, tberrors.Store("Failed to scan device record", err)
	}

	if r.UID == "" {
		return Record{}, tberrors.Store("Device record is missing a uid", nil)
	}

	return r, nil
}
