// Package manager implements the reconciliation loop described by spec
// §4.6: it owns the live device set, consults the Enrollment Store at
// startup and on enroll/forget, dispatches uevents, and schedules
// authorization so sysfs writes never block event dispatch.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/canonical/tbauthd/internal/device"
	"github.com/canonical/tbauthd/internal/logger"
	"github.com/canonical/tbauthd/internal/store"
	"github.com/canonical/tbauthd/internal/sysfs"
	"github.com/canonical/tbauthd/internal/task"
	"github.com/canonical/tbauthd/internal/tberrors"
	"github.com/canonical/tbauthd/internal/uevent"
)

// Notifier is the narrow interface the Bus Façade implements to learn about
// manager and device lifecycle events (spec §6's bus surface).
type Notifier interface {
	DeviceAdded(uid string)
	DeviceRemoved(uid string)
	DeviceChanged(uid string)
}

// nopNotifier discards every notification, used when no bus façade is
// wired (e.g. in tests).
type nopNotifier struct{}

func (nopNotifier) DeviceAdded(string)   {}
func (nopNotifier) DeviceRemoved(string) {}
func (nopNotifier) DeviceChanged(string) {}

// EventSource is the subset of *uevent.Source the Manager depends on,
// narrowed so tests can drive it with a fake.
type EventSource interface {
	Enumerate() ([]uevent.Event, error)
	Run(ctx context.Context, handler func(uevent.Event)) error
}

// Manager is the event-driven controller that reconciles kernel hot-plug
// events, the in-memory device graph, and the Enrollment Store.
type Manager struct {
	mu        sync.Mutex
	devices   map[string]*device.Device // uid -> device
	bySyspath map[string]string         // live syspath -> uid

	probe  device.SysfsWriter
	store  *store.Store
	events EventSource
	bus    Notifier

	authGroup *task.Group

	cancel context.CancelFunc
	runErr chan error
}

// SetNotifier replaces the Manager's notification sink, used when the bus
// façade can only be constructed after the Manager itself exists.
func (m *Manager) SetNotifier(bus Notifier) {
	if bus == nil {
		bus = nopNotifier{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bus = bus
}

// New constructs a Manager. bus may be nil, in which case notifications are
// discarded.
func New(probe device.SysfsWriter, st *store.Store, events EventSource, bus Notifier) *Manager {
	if bus == nil {
		bus = nopNotifier{}
	}

	return &Manager{
		devices:   make(map[string]*device.Device),
		bySyspath: make(map[string]string),
		probe:     probe,
		store:     st,
		events:    events,
		bus:       bus,
		authGroup: task.NewGroup(),
	}
}

// Start runs the initialization sequence from spec §4.6 and launches the
// uevent dispatch loop in the background. Start returns once initialization
// completes; dispatch continues until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.loadStored()

	err := m.enumerate()
	if err != nil {
		cancel()
		return err
	}

	m.authGroup.Start(runCtx)

	m.runErr = make(chan error, 1)

	go func() {
		m.runErr <- m.events.Run(runCtx, m.handleEvent)
	}()

	return nil
}

// loadStored loads every device record from the Enrollment Store into the
// in-memory set as Disconnected devices (spec §4.6 step 2). A failure for
// one uid is logged and does not abort startup.
func (m *Manager) loadStored() {
	uids, err := m.store.List()
	if err != nil {
		logger.Error("Failed to list the enrollment store", logger.Ctx{"err": err})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, uid := range uids {
		rec, err := m.store.Get(uid)
		if err != nil {
			logger.Error("Failed to load stored device", logger.Ctx{"uid": uid, "err": err})
			continue
		}

		hasKey := m.store.HasKey(uid)

		m.devices[uid] = device.FromStored(m.probe, rec, hasKey)
	}
}

// enumerate walks the current sysfs tree and attaches or creates a Device
// per entry found (spec §4.6 step 3).
func (m *Manager) enumerate() error {
	events, err := m.events.Enumerate()
	if err != nil {
		return err
	}

	for _, ev := range events {
		m.handleEvent(ev)
	}

	return nil
}

// handleEvent dispatches a single uevent per spec §4.6's table. Any failure
// is contained to this call; the caller (the dispatch loop) continues.
func (m *Manager) handleEvent(ev uevent.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in event handler", logger.Ctx{"panic": r})
		}
	}()

	switch ev.Action {
	case uevent.ActionAdd, uevent.ActionChange:
		m.handleAddOrChange(ev)
	case uevent.ActionRemove:
		m.handleRemove(ev)
	}
}

func (m *Manager) handleAddOrChange(ev uevent.Event) {
	m.mu.Lock()

	d, exists := m.devices[ev.UniqueID]
	if !exists {
		d, err := m.createDevice(ev)
		m.mu.Unlock()

		if err != nil {
			logger.Error("Dropping add event: failed to construct device", logger.Ctx{"uid": ev.UniqueID, "err": err})
			return
		}

		m.bus.DeviceAdded(ev.UniqueID)
		m.maybeAutoAuthorize(d)

		return
	}

	if d.Status() == device.StatusDisconnected {
		d.SetParentUID(m.parentUIDForSyspathLocked(ev.Syspath))
		m.bySyspath[ev.Syspath] = ev.UniqueID
		d.Connected(ev.Syspath)
		m.mu.Unlock()

		// The same event that reattaches the device also carries its
		// current authorized value; settle Connecting -> Connected (or
		// straight to Authorized*) before checking eligibility.
		d.UpdateFromUdev(ev.Syspath, ev.Authorized)

		m.bus.DeviceChanged(ev.UniqueID)
		m.maybeAutoAuthorize(d)

		return
	}

	m.mu.Unlock()

	status := d.UpdateFromUdev(ev.Syspath, ev.Authorized)
	m.bus.DeviceChanged(ev.UniqueID)

	if status.IsAuthorized() {
		m.scheduleChildrenOf(ev.UniqueID)
	}
}

// createDevice must be called with m.mu held; it returns the new device
// with the lock released by the caller. An error means the event must be
// dropped, per spec §7's policy for an essential attribute failing at add
// time.
func (m *Manager) createDevice(ev uevent.Event) (*device.Device, error) {
	parentUID := m.parentUIDForSyspathLocked(ev.Syspath)

	d, err := device.NewFromUdev(m.probe, ev.Syspath, ev.UniqueID, parentUID, ev.Authorized)
	if err != nil {
		return nil, err
	}

	if rec, recErr := m.store.Get(ev.UniqueID); recErr == nil {
		d.SetPolicy(rec.Policy)
		d.SetStored(true)

		if m.store.HasKey(ev.UniqueID) {
			d.SetKeyState(device.KeyHaveStored)
		}
	}

	m.devices[ev.UniqueID] = d
	m.bySyspath[ev.Syspath] = ev.UniqueID

	return d, nil
}

func (m *Manager) handleRemove(ev uevent.Event) {
	m.mu.Lock()

	uid, ok := m.bySyspath[ev.Syspath]
	if !ok {
		m.mu.Unlock()
		return
	}

	delete(m.bySyspath, ev.Syspath)

	d := m.devices[uid]
	stored := d.Stored()

	if stored {
		d.Disconnected()
		m.mu.Unlock()

		m.bus.DeviceChanged(uid)

		return
	}

	delete(m.devices, uid)
	m.mu.Unlock()

	m.bus.DeviceRemoved(uid)
}

// parentUIDForSyspathLocked implements spec §4.6's parent lookup: the
// nearest ancestor directory that is itself a known device's syspath. Must
// be called with m.mu held.
func (m *Manager) parentUIDForSyspathLocked(syspath string) string {
	cur := syspath

	for {
		parent := filepath.Dir(cur)
		if parent == cur || parent == "/" || parent == "." {
			return ""
		}

		cur = parent

		if uid, ok := m.bySyspath[cur]; ok {
			return uid
		}
	}
}

// maybeAutoAuthorize schedules d for authorization if it currently meets
// the eligibility rule; otherwise it is a no-op (it will be reconsidered
// when its parent authorizes, via scheduleChildrenOf).
func (m *Manager) maybeAutoAuthorize(d *device.Device) {
	if m.isEligibleForAuto(d) {
		m.scheduleAuthorize(d)
	}
}

// scheduleChildrenOf finds every device whose parent_uid is parentUID and
// schedules auto-authorization for each now-eligible one (spec §4.6's
// device_changed cascade).
func (m *Manager) scheduleChildrenOf(parentUID string) {
	m.mu.Lock()
	var children []*device.Device

	for _, d := range m.devices {
		if d.ParentUID() == parentUID {
			children = append(children, d)
		}
	}
	m.mu.Unlock()

	for _, child := range children {
		m.maybeAutoAuthorize(child)
	}
}

// isEligibleForAuto implements spec §4.6's auto-authorization rule.
func (m *Manager) isEligibleForAuto(d *device.Device) bool {
	if !d.Stored() || d.Policy() != store.PolicyAuto {
		return false
	}

	if d.Status() != device.StatusConnected {
		return false
	}

	parentUID := d.ParentUID()
	if parentUID == "" {
		return true // directly under the host
	}

	m.mu.Lock()
	parent, ok := m.devices[parentUID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	return parent.Status().IsAuthorized()
}

// scheduleAuthorize defers d's authorization to a one-shot task so that the
// current event handler returns promptly (spec §5, §9).
func (m *Manager) scheduleAuthorize(d *device.Device) {
	uid := d.UID()

	m.authGroup.Add(func(ctx context.Context) {
		m.mu.Lock()
		cur, ok := m.devices[uid]
		m.mu.Unlock()

		if !ok || !m.isEligibleForAuto(cur) {
			return
		}

		cur.Authorize(func(r device.AuthResult) {
			m.onAuthorizeDone(uid, r)
		})
	}, task.Once(0))
}

func (m *Manager) onAuthorizeDone(uid string, r device.AuthResult) {
	if r.Err != nil {
		logger.Warn("Authorization attempt failed", logger.Ctx{"uid": uid, "err": r.Err})
		m.bus.DeviceChanged(uid)

		return
	}

	if r.Key != nil {
		err := m.store.PutKey(uid, *r.Key)
		if err != nil {
			logger.Error("Failed to persist freshly generated key", logger.Ctx{"uid": uid, "err": err})
		}
	}

	m.bus.DeviceChanged(uid)

	if r.Status.IsAuthorized() {
		m.scheduleChildrenOf(uid)
	}
}

// ListDevices returns every known device (spec §6's Manager.ListDevices).
func (m *Manager) ListDevices() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}

	return out
}

// Get returns the device with the given uid, if known.
func (m *Manager) Get(uid string) (*device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[uid]

	return d, ok
}

// Enroll persists uid with the given policy. For the Auto policy it then
// schedules authorization if the device meets the auto-authorization rule;
// other policies do not trigger authorization.
func (m *Manager) Enroll(uid string, policy store.Policy) error {
	m.mu.Lock()
	d, ok := m.devices[uid]
	m.mu.Unlock()

	if !ok {
		return tberrors.NotFound(fmt.Sprintf("No device with uid %q", uid))
	}

	rec := d.Record()
	rec.Policy = policy

	err := m.store.Put(rec)
	if err != nil {
		return err
	}

	d.SetPolicy(policy)
	d.SetStored(true)

	m.syncBootACL(d, policy == store.PolicyAuto)

	m.bus.DeviceChanged(uid)

	if policy == store.PolicyAuto {
		m.maybeAutoAuthorize(d)
	}

	return nil
}

// Forget removes uid's store record and, if it is currently disconnected,
// evicts it from the in-memory set (spec §6's Device.Forget, scenario S6).
func (m *Manager) Forget(uid string) error {
	m.mu.Lock()
	d, ok := m.devices[uid]
	m.mu.Unlock()

	if !ok {
		return tberrors.NotFound(fmt.Sprintf("No device with uid %q", uid))
	}

	err := m.store.Delete(uid)
	if err != nil {
		return err
	}

	d.SetStored(false)

	m.syncBootACL(d, false)

	m.mu.Lock()
	if d.Status() == device.StatusDisconnected {
		delete(m.devices, uid)
	}
	m.mu.Unlock()

	m.bus.DeviceRemoved(uid)

	return nil
}

// syncBootACL keeps the domain's firmware boot ACL (spec §6's boot_acl write
// contract) in step with d's Auto-policy enrollment, so a stored device is
// pre-authorized by firmware at the next boot rather than only by the
// daemon after udev brings it up. Only possible while d is connected, since
// the ACL lives on its domain node; best-effort, since boot_acl is a
// firmware convenience and its absence must not fail Enroll/Forget.
func (m *Manager) syncBootACL(d *device.Device, present bool) {
	node := d.Syspath()
	if node == "" {
		return
	}

	domain, err := m.probe.DomainOf(node)
	if err != nil || domain == "" {
		return
	}

	acl, ok, err := m.probe.ReadBootACL(domain)
	if err != nil {
		logger.Warn("Failed to read boot ACL", logger.Ctx{"uid": d.UID(), "domain": domain, "err": err})
		return
	}
	if !ok {
		acl = []string{}
	}

	uid := d.UID()
	idx := -1
	for i, v := range acl {
		if v == uid {
			idx = i
			break
		}
	}

	switch {
	case present && idx == -1:
		acl = append(acl, uid)
	case !present && idx != -1:
		acl = append(acl[:idx], acl[idx+1:]...)
	default:
		return
	}

	err = m.probe.WriteBootACL(domain, acl)
	if err != nil {
		logger.Warn("Failed to write boot ACL", logger.Ctx{"uid": uid, "domain": domain, "err": err})
	}
}

// Authorize triggers an explicit, user-initiated authorization attempt
// regardless of policy (spec §6's Device.Authorize method).
func (m *Manager) Authorize(uid string) error {
	m.mu.Lock()
	d, ok := m.devices[uid]
	m.mu.Unlock()

	if !ok {
		return tberrors.NotFound(fmt.Sprintf("No device with uid %q", uid))
	}

	if d.Status() != device.StatusConnected {
		return tberrors.InvalidArgument(fmt.Sprintf("Device %q is not connected", uid))
	}

	d.Authorize(func(r device.AuthResult) {
		m.onAuthorizeDone(uid, r)
	})

	return nil
}

// Stats summarizes the live device set for diagnostics. The bus façade does
// not export it.
type Stats struct {
	Total      int
	Connected  int
	Stored     int
	AuthErrors int
	Hosts      int
}

// hostCounter is the optional capability behind spec §4.1's count_hosts
// probe operation; narrowed out of device.SysfsWriter since it serves this
// aggregate stat alone, not the per-device authorization path.
type hostCounter interface {
	CountHosts() (int, error)
}

// Stats computes a snapshot of the current device set.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats

	s.Total = len(m.devices)

	for _, d := range m.devices {
		if d.Status() != device.StatusDisconnected {
			s.Connected++
		}

		if d.Stored() {
			s.Stored++
		}

		if d.Status() == device.StatusAuthError {
			s.AuthErrors++
		}
	}

	if hc, ok := m.probe.(hostCounter); ok {
		n, err := hc.CountHosts()
		if err != nil {
			logger.Warn("Failed to count hosts", logger.Ctx{"err": err})
		} else {
			s.Hosts = n
		}
	}

	return s
}

// Close stops the dispatch loop and every outstanding authorization task,
// waiting up to timeout for each to finish.
func (m *Manager) Close(timeout time.Duration) error {
	if m.cancel != nil {
		m.cancel()
	}

	if m.runErr != nil {
		select {
		case err := <-m.runErr:
			if err != nil {
				logger.Warn("Uevent dispatch loop exited with error", logger.Ctx{"err": err})
			}
		case <-time.After(timeout):
			logger.Warn("Timed out waiting for uevent dispatch loop to exit", nil)
		}
	}

	return m.authGroup.Stop(timeout)
}

// probeAsDeviceWriter is a compile-time assertion that *sysfs.Probe
// satisfies device.SysfsWriter, the interface the Manager threads through
// to every Device it constructs.
var _ device.SysfsWriter = (*sysfs.Probe)(nil)
