// Package bus exports the Manager and its devices on the D-Bus system bus,
// the control surface described by spec §4.7. It implements manager.Notifier
// so the Manager's reconciliation loop can push DeviceAdded/DeviceRemoved/
// DeviceChanged straight through to signals without polling.
package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/canonical/tbauthd/internal/device"
	"github.com/canonical/tbauthd/internal/logger"
	"github.com/canonical/tbauthd/internal/manager"
	"github.com/canonical/tbauthd/internal/store"
)

const (
	busName = "org.canonical.tbauthd"

	managerInterface = "org.canonical.tbauthd.Manager"
	managerPath      = dbus.ObjectPath("/org/canonical/tbauthd")

	deviceInterface = "org.canonical.tbauthd.Device"
	devicePathBase  = "/org/canonical/tbauthd/device"
)

// Server owns the system bus connection and every exported object. It is
// constructed once and handed to the Manager as its Notifier.
type Server struct {
	conn *dbus.Conn
	mgr  *manager.Manager

	mu      sync.Mutex
	exposed map[string]*exportedDevice // uid -> exported object
}

// exportedDevice bundles a device's object path with the *prop.Properties
// handle backing its property snapshot, so DeviceChanged can update the
// snapshot in place instead of re-exporting or emitting signals by hand.
type exportedDevice struct {
	path  dbus.ObjectPath
	props *prop.Properties
}

// New connects to the system bus, claims busName, and exports the Manager
// object. mgr's devices are not exported until Sync is called, so that the
// caller can finish Manager.Start (which fires the initial enumeration)
// before the bus surface becomes visible.
func New(mgr *manager.Manager) (*Server, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to the system bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request bus name %q: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %q already owned", busName)
	}

	s := &Server{conn: conn, mgr: mgr, exposed: make(map[string]*exportedDevice)}

	if err := s.exportManager(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the bus name and closes the connection.
func (s *Server) Close() error {
	_, _ = s.conn.ReleaseName(busName)
	return s.conn.Close()
}

// Sync exports every device already known to the Manager, used once at
// startup after enumeration has populated the device set.
func (s *Server) Sync() {
	for _, d := range s.mgr.ListDevices() {
		s.export(d)
	}
}

func (s *Server) exportManager() error {
	intro := &introspect.Node{
		Name: string(managerPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: managerInterface,
				Methods: []introspect.Method{
					{
						Name: "ListDevices",
						Args: []introspect.Arg{
							{Name: "uids", Type: "as", Direction: "out"},
						},
					},
					{
						Name: "Enroll",
						Args: []introspect.Arg{
							{Name: "uid", Type: "s", Direction: "in"},
							{Name: "policy", Type: "s", Direction: "in"},
						},
					},
					{
						Name: "Forget",
						Args: []introspect.Arg{
							{Name: "uid", Type: "s", Direction: "in"},
						},
					},
				},
				Signals: []introspect.Signal{
					{Name: "DeviceAdded", Args: []introspect.Arg{{Name: "uid", Type: "s"}, {Name: "path", Type: "o"}}},
					{Name: "DeviceRemoved", Args: []introspect.Arg{{Name: "uid", Type: "s"}}},
				},
			},
		},
	}

	if err := s.conn.Export(intro, managerPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export manager introspection: %w", err)
	}

	if err := s.conn.Export((*managerObject)(s), managerPath, managerInterface); err != nil {
		return fmt.Errorf("export manager methods: %w", err)
	}

	return nil
}

// managerObject is Server narrowed to exactly the methods godbus should
// treat as the exported Manager interface; godbus exports every exported
// method of the value it's given, so this keeps Server's own helper methods
// off the bus.
type managerObject Server

func (m *managerObject) ListDevices() ([]string, *dbus.Error) {
	s := (*Server)(m)
	devices := s.mgr.ListDevices()
	uids := make([]string, 0, len(devices))
	for _, d := range devices {
		uids = append(uids, d.UID())
	}
	return uids, nil
}

func (m *managerObject) Enroll(uid, policy string) *dbus.Error {
	s := (*Server)(m)

	p, err := store.ParsePolicy(policy)
	if err != nil {
		return dbus.MakeFailedError(err)
	}

	if err := s.mgr.Enroll(uid, p); err != nil {
		return dbus.MakeFailedError(err)
	}

	return nil
}

func (m *managerObject) Forget(uid string) *dbus.Error {
	s := (*Server)(m)

	if err := s.mgr.Forget(uid); err != nil {
		return dbus.MakeFailedError(err)
	}

	return nil
}

// DeviceAdded implements manager.Notifier: it exports a fresh object for uid
// and emits the Manager-level signal.
func (s *Server) DeviceAdded(uid string) {
	d, ok := s.mgr.Get(uid)
	if !ok {
		return
	}

	path := s.export(d)

	err := s.conn.Emit(managerPath, managerInterface+".DeviceAdded", uid, path)
	if err != nil {
		logger.Warn("Failed to emit DeviceAdded signal", logger.Ctx{"uid": uid, "err": err})
	}
}

// DeviceRemoved implements manager.Notifier: it unexports uid's object and
// emits the Manager-level signal.
func (s *Server) DeviceRemoved(uid string) {
	s.mu.Lock()
	exp, ok := s.exposed[uid]
	delete(s.exposed, uid)
	s.mu.Unlock()

	if ok {
		_ = s.conn.Export(nil, exp.path, deviceInterface)
		_ = s.conn.Export(nil, exp.path, "org.freedesktop.DBus.Introspectable")
		_ = s.conn.Export(nil, exp.path, "org.freedesktop.DBus.Properties")
	}

	err := s.conn.Emit(managerPath, managerInterface+".DeviceRemoved", uid)
	if err != nil {
		logger.Warn("Failed to emit DeviceRemoved signal", logger.Ctx{"uid": uid, "err": err})
	}
}

// DeviceChanged implements manager.Notifier: it updates uid's property
// snapshot, which also emits the PropertiesChanged signal, so a caller doing
// a plain Get/GetAll sees the same values a signal subscriber would.
func (s *Server) DeviceChanged(uid string) {
	s.mu.Lock()
	exp, ok := s.exposed[uid]
	s.mu.Unlock()

	if !ok || exp.props == nil {
		return
	}

	d, ok := s.mgr.Get(uid)
	if !ok {
		return
	}

	exp.props.SetMust(deviceInterface, "Status", string(d.Status()))
	exp.props.SetMust(deviceInterface, "Policy", string(d.Policy()))
	exp.props.SetMust(deviceInterface, "Stored", d.Stored())
	exp.props.SetMust(deviceInterface, "Security", string(d.Security()))
	exp.props.SetMust(deviceInterface, "ParentUid", d.ParentUID())
	exp.props.SetMust(deviceInterface, "Syspath", d.Syspath())
}

// export publishes d's object if it isn't already published, and returns its
// path either way.
func (s *Server) export(d *device.Device) dbus.ObjectPath {
	uid := d.UID()

	s.mu.Lock()
	if exp, ok := s.exposed[uid]; ok {
		s.mu.Unlock()
		return exp.path
	}
	path := devicePath(uid)
	s.mu.Unlock()

	obj := &deviceObject{srv: s, uid: uid}

	intro := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: deviceInterface,
				Methods: []introspect.Method{
					{Name: "Authorize"},
					{Name: "Forget"},
				},
			},
		},
	}

	if err := s.conn.Export(intro, path, "org.freedesktop.DBus.Introspectable"); err != nil {
		logger.Warn("Failed to export device introspection", logger.Ctx{"uid": uid, "err": err})
	}

	if err := s.conn.Export(obj, path, deviceInterface); err != nil {
		logger.Warn("Failed to export device methods", logger.Ctx{"uid": uid, "err": err})
	}

	props, err := prop.Export(s.conn, path, obj.propSpec())
	if err != nil {
		logger.Warn("Failed to export device properties", logger.Ctx{"uid": uid, "err": err})
	}

	s.mu.Lock()
	s.exposed[uid] = &exportedDevice{path: path, props: props}
	s.mu.Unlock()

	return path
}

// deviceObject is the per-device D-Bus object. Property values are read from
// the Manager once at export time into the prop snapshot; DeviceChanged
// refreshes Status, Policy, Stored, Security, ParentUid and Syspath, while
// Uid, Name and Vendor keep their export-time values.
type deviceObject struct {
	srv *Server
	uid string
}

func (o *deviceObject) device() (*device.Device, bool) {
	return o.srv.mgr.Get(o.uid)
}

func (o *deviceObject) Authorize() *dbus.Error {
	if err := o.srv.mgr.Authorize(o.uid); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *deviceObject) Forget() *dbus.Error {
	if err := o.srv.mgr.Forget(o.uid); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *deviceObject) propSpec() map[string]map[string]*prop.Prop {
	ro := func(get func() dbus.Variant) *prop.Prop {
		return &prop.Prop{Value: get(), Writable: false, Emit: prop.EmitTrue}
	}

	str := func(f func(*device.Device) string) func() dbus.Variant {
		return func() dbus.Variant {
			d, ok := o.device()
			if !ok {
				return dbus.MakeVariant("")
			}
			return dbus.MakeVariant(f(d))
		}
	}

	return map[string]map[string]*prop.Prop{
		deviceInterface: {
			"Uid":      ro(func() dbus.Variant { return dbus.MakeVariant(o.uid) }),
			"Name":     ro(str(func(d *device.Device) string { return d.Name() })),
			"Vendor":   ro(str(func(d *device.Device) string { return d.Vendor() })),
			"Status":   ro(str(func(d *device.Device) string { return string(d.Status()) })),
			"Policy":   ro(str(func(d *device.Device) string { return string(d.Policy()) })),
			"Security": ro(str(func(d *device.Device) string { return string(d.Security()) })),
			"Stored": ro(func() dbus.Variant {
				d, ok := o.device()
				return dbus.MakeVariant(ok && d.Stored())
			}),
			"ParentUid": ro(str(func(d *device.Device) string { return d.ParentUID() })),
			"Syspath":   ro(str(func(d *device.Device) string { return d.Syspath() })),
		},
	}
}

// devicePath turns a uid into a valid object path segment: D-Bus paths may
// only contain [A-Za-z0-9_], so anything other than a letter or digit (uids
// are typically colon-separated hex), including "_" itself, is hex-encoded.
func devicePath(uid string) dbus.ObjectPath {
	var b strings.Builder
	for _, r := range uid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "_%02x", r)
		}
	}
	return dbus.ObjectPath(devicePathBase + "/" + b.String())
}
