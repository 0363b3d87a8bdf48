package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"golang.org/x/sys/unix"

	"github.com/canonical/tbauthd/internal/keymaterial"
	"github.com/canonical/tbauthd/internal/logger"
	"github.com/canonical/tbauthd/internal/revert"
	"github.com/canonical/tbauthd/internal/store"
	"github.com/canonical/tbauthd/internal/sysfs"
	"github.com/canonical/tbauthd/internal/tberrors"
)

// SysfsWriter is the subset of sysfs.Probe a Device needs in order to drive
// the authorization protocol; narrowed to an interface so tests can supply
// a fake without touching the filesystem.
type SysfsWriter interface {
	Identify(node string) (name, vendor string, err error)
	DomainOf(node string) (string, error)
	SecurityOf(domainNode string) (store.Security, error)
	ReadLinkSpeed(node string) sysfs.LinkSpeed
	WriteAuthorize(node string, value string) error
	WriteKey(node string, key keymaterial.Key) error
	ReadKey(node string) (keymaterial.Key, error)
	ReadBootACL(node string) (acl []string, ok bool, err error)
	WriteBootACL(node string, acl []string) error
}

// Device mediates between live sysfs state and the enrollment store for a
// single Thunderbolt peripheral (spec §4.4).
type Device struct {
	mu sync.Mutex

	uid       string
	name      string
	vendor    string
	status    Status
	policy    store.Policy
	stored    bool
	keyState  KeyState
	syspath   string
	parentUID string
	security  store.Security
	ctime     time.Time
	generation int
	linkSpeed sysfs.LinkSpeed

	probe SysfsWriter
}

// NewFromUdev constructs a Device from a live kernel node, the first-seen
// path (spec §4.4's new_from_udev).
func NewFromUdev(probe SysfsWriter, node, uid, parentUID string, authorized int) (*Device, error) {
	name, vendor, err := probe.Identify(node)
	if err != nil {
		return nil, err
	}

	d := &Device{
		uid:       uid,
		name:      name,
		vendor:    vendor,
		policy:    store.PolicyDefault,
		syspath:   node,
		parentUID: parentUID,
		ctime:     time.Now(),
		probe:     probe,
		keyState:  KeyNone,
	}

	d.applySecurity(node)
	d.linkSpeed = probe.ReadLinkSpeed(node)

	if authorized > 0 {
		d.status = authorizedStatusFor(d.security, authorized)
	} else {
		d.status = StatusConnected
	}

	return d, nil
}

// FromStored reconstructs a disconnected Device purely from its store
// record, with no live sysfs state yet (spec §4.6 startup step 2).
func FromStored(probe SysfsWriter, r store.Record, hasKey bool) *Device {
	d := &Device{
		uid:      r.UID,
		name:     r.Name,
		vendor:   r.Vendor,
		policy:   r.Policy,
		stored:   true,
		security: r.Security,
		ctime:    r.CTime,
		status:   StatusDisconnected,
		probe:    probe,
		keyState: KeyNone,
	}

	if hasKey {
		d.keyState = KeyHaveStored
	}

	return d
}

func (d *Device) applySecurity(node string) {
	domain, err := d.probe.DomainOf(node)
	if err != nil || domain == "" {
		return
	}

	sec, err := d.probe.SecurityOf(domain)
	if err != nil {
		return
	}

	d.security = sec
}

func authorizedStatusFor(sec store.Security, authorized int) Status {
	switch sec {
	case store.SecuritySecure:
		return StatusAuthorizedSecure
	case store.SecurityDPOnly:
		return StatusAuthorizedDponly
	default:
		if authorized > 0 {
			return StatusAuthorized
		}

		return StatusConnected
	}
}

// UpdateFromUdev re-reads mutable sysfs attributes and returns the new
// status (spec §4.4's update_from_udev). authorized is the raw value of
// the "authorized" attribute (0, 1 or 2).
func (d *Device) UpdateFromUdev(node string, authorized int) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.syspath = node
	d.linkSpeed = d.probe.ReadLinkSpeed(node)
	d.applySecurity(node)

	if authorized > 0 {
		d.status = authorizedStatusFor(d.security, authorized)
	} else if d.status != StatusAuthorizing {
		d.status = StatusConnected
	}

	return d.status
}

// Connected binds syspath on a previously disconnected stored device and
// recomputes status (spec §4.4's connected).
func (d *Device) Connected(node string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.syspath = node
	d.status = StatusConnecting
	d.linkSpeed = d.probe.ReadLinkSpeed(node)
	d.applySecurity(node)
}

// Disconnected clears syspath and moves the device to Disconnected,
// retaining every stored field (spec §4.4's disconnected).
func (d *Device) Disconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.syspath = ""
	d.status = StatusDisconnected
}

// UID returns the device's stable identifier.
func (d *Device) UID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.uid
}

// Syspath returns the device's current live sysfs path, or "" if
// disconnected.
func (d *Device) Syspath() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.syspath
}

// Status returns the device's current state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status
}

// Policy returns the device's enrollment policy.
func (d *Device) Policy() store.Policy {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.policy
}

// SetPolicy updates the device's enrollment policy.
func (d *Device) SetPolicy(p store.Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.policy = p
}

// Stored reports whether the device has an Enrollment Store record.
func (d *Device) Stored() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stored
}

// SetStored updates whether the device has a store record, used by the
// Manager right after Put/Delete.
func (d *Device) SetStored(stored bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stored = stored
}

// SetKeyState updates the device's key presence, used by the Manager after
// attaching a freshly-constructed device to a matching store record.
func (d *Device) SetKeyState(ks KeyState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keyState = ks
}

// ParentUID returns the uid of the device's parent, or "" when the parent
// is the host.
func (d *Device) ParentUID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.parentUID
}

// SetParentUID updates the parent link, used when the Manager re-resolves
// parentage after a topology change.
func (d *Device) SetParentUID(uid string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.parentUID = uid
}

// Security returns the security level captured at connect time.
func (d *Device) Security() store.Security {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.security
}

// KeyState reports whether a challenge-response key exists for the device.
func (d *Device) KeyState() KeyState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.keyState
}

// Name returns the device's human-readable name.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.name
}

// Vendor returns the device's human-readable vendor.
func (d *Device) Vendor() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.vendor
}

// CTime returns the first-seen timestamp.
func (d *Device) CTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.ctime
}

// LinkSpeed returns the negotiated rx/tx lanes and speeds.
func (d *Device) LinkSpeed() sysfs.LinkSpeed {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.linkSpeed
}

// Record renders the device's persisted fields as a store.Record.
func (d *Device) Record() store.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	return store.Record{
		UID:      d.uid,
		Name:     d.name,
		Vendor:   d.vendor,
		Policy:   d.policy,
		CTime:    d.ctime,
		Security: d.security,
	}
}

// AuthResult is the outcome of an authorize attempt, delivered to the
// caller-supplied completion callback.
type AuthResult struct {
	Status Status
	Key    *keymaterial.Key // non-nil only on a fresh secure enrollment
	Err    error
}

// Authorize initiates the authorization protocol (spec §4.4's table) and
// returns immediately; onDone is called once the sysfs write (and, for a
// fresh secure device, the key exchange) completes. The security level and
// key presence are captured at the moment of the call, per spec §4.4.
func (d *Device) Authorize(onDone func(AuthResult)) {
	d.mu.Lock()

	if d.status != StatusConnected {
		d.mu.Unlock()
		onDone(AuthResult{Err: tberrors.InvalidArgument(fmt.Sprintf("Device %q is not connected", d.uid))})
		return
	}

	node := d.syspath
	sec := d.security
	keyState := d.keyState
	uid := d.uid

	d.status = StatusAuthorizing
	d.mu.Unlock()

	l := logger.AddContext(logger.Ctx{"uid": uid, "security": sec})

	go func() {
		result := d.runAuthorize(node, sec, keyState, l)

		d.mu.Lock()
		// The device may have disconnected while the write was in flight;
		// per spec §5 the result must not alter state in that case.
		if d.status == StatusAuthorizing {
			d.status = result.Status
			if result.Status.IsAuthorized() {
				d.security = sec
			}

			if result.Key != nil {
				d.keyState = KeyHaveStored
			}
		} else {
			l.Info("Discarding authorization result for device that is no longer authorizing")
		}
		d.mu.Unlock()

		onDone(result)
	}()
}

func (d *Device) runAuthorize(node string, sec store.Security, keyState KeyState, l *logger.Logger) AuthResult {
	switch sec {
	case store.SecurityNone, store.SecurityDPOnly, store.SecurityUSBOnly:
		err := d.writeAuthorizeRetrying(node, "1")
		if err != nil {
			return AuthResult{Status: StatusAuthError, Err: err}
		}

		return AuthResult{Status: authorizedStatusFor(sec, 1)}

	case store.SecurityUser:
		err := d.writeAuthorizeRetrying(node, "1")
		if err != nil {
			return AuthResult{Status: StatusAuthError, Err: err}
		}

		return AuthResult{Status: StatusAuthorized}

	case store.SecuritySecure:
		if keyState != KeyHaveStored {
			key, err := keymaterial.Generate()
			if err != nil {
				return AuthResult{Status: StatusAuthError, Err: err}
			}

			// A fresh enrollment key must not survive in memory past a failed
			// attempt; it was never persisted to the store, so the only copy
			// left after a rollback is whatever the kernel already has.
			r := revert.New()
			defer r.Fail()
			r.Add(func() { key = keymaterial.Key{} })

			err = d.probe.WriteKey(node, key)
			if err != nil {
				return AuthResult{Status: StatusAuthError, Err: err}
			}

			err = d.writeAuthorizeRetrying(node, "1")
			if err != nil {
				return AuthResult{Status: StatusAuthError, Err: err}
			}

			readBack, err := d.probe.ReadKey(node)
			if err != nil || readBack != key {
				l.Warn("Key read-back after enrollment did not match")
				return AuthResult{Status: StatusAuthError, Err: tberrors.Auth("Key read-back mismatch after secure enrollment", nil)}
			}

			r.Success()
			return AuthResult{Status: StatusAuthorizedSecure, Key: &key}
		}

		err := d.writeAuthorizeRetrying(node, "2")
		if err != nil {
			return AuthResult{Status: StatusAuthError, Err: tberrors.Auth("Secure challenge-response authorization failed", err)}
		}

		return AuthResult{Status: StatusAuthorizedSecure}

	default:
		return AuthResult{Status: StatusAuthError, Err: tberrors.Auth(fmt.Sprintf("Unknown security level %q", sec), nil)}
	}
}

// writeAuthorizeRetrying writes value to the "authorize" attribute,
// retrying with bounded backoff on EBUSY (spec §4.4). Any other error is
// fatal to the attempt.
func (d *Device) writeAuthorizeRetrying(node, value string) error {
	return retry.Retry(func(attempt uint) error {
		err := d.probe.WriteAuthorize(node, value)
		if err == nil {
			return nil
		}

		if isEBUSY(err) {
			return err
		}

		return retry.Unrecoverable(err)
	}, strategy.Limit(5), strategy.Backoff(backoff.BinaryExponential(20*time.Millisecond)))
}

func isEBUSY(err error) bool {
	for err != nil {
		if err == unix.EBUSY { //nolint:errorlint // sysfs writes surface raw errno
			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}
