package device_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/canonical/tbauthd/internal/device"
	"github.com/canonical/tbauthd/internal/keymaterial"
	"github.com/canonical/tbauthd/internal/store"
	"github.com/canonical/tbauthd/internal/sysfs"
)

type fakeProbe struct {
	mu sync.Mutex

	name, vendor string
	domain       string
	security     store.Security
	linkSpeed    sysfs.LinkSpeed

	authWrites  []string
	failAuthN   int // number of leading EBUSY failures before success
	key         keymaterial.Key
	keyWritten  bool
	writeKeyErr error
}

func (f *fakeProbe) Identify(node string) (string, string, error) {
	return f.name, f.vendor, nil
}

func (f *fakeProbe) DomainOf(node string) (string, error) {
	return f.domain, nil
}

func (f *fakeProbe) SecurityOf(domainNode string) (store.Security, error) {
	return f.security, nil
}

func (f *fakeProbe) ReadLinkSpeed(node string) sysfs.LinkSpeed {
	return f.linkSpeed
}

func (f *fakeProbe) WriteAuthorize(node string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authWrites = append(f.authWrites, value)

	if f.failAuthN > 0 {
		f.failAuthN--
		return unix.EBUSY
	}

	return nil
}

func (f *fakeProbe) WriteKey(node string, key keymaterial.Key) error {
	if f.writeKeyErr != nil {
		return f.writeKeyErr
	}

	f.key = key
	f.keyWritten = true

	return nil
}

func (f *fakeProbe) ReadKey(node string) (keymaterial.Key, error) {
	return f.key, nil
}

func (f *fakeProbe) ReadBootACL(node string) ([]string, bool, error) {
	return nil, false, nil
}

func (f *fakeProbe) WriteBootACL(node string, acl []string) error {
	return nil
}

func waitResult(t *testing.T, ch chan device.AuthResult) device.AuthResult {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for authorization result")
		return device.AuthResult{}
	}
}

func newConnectedDevice(t *testing.T, probe *fakeProbe) *device.Device {
	t.Helper()

	d, err := device.NewFromUdev(probe, "/sys/bus/thunderbolt/devices/0-1", "uid-1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, device.StatusConnected, d.Status())

	return d
}

func TestAuthorizeNoneSecurity(t *testing.T) {
	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecurityNone}
	d := newConnectedDevice(t, probe)

	ch := make(chan device.AuthResult, 1)
	d.Authorize(func(r device.AuthResult) { ch <- r })

	r := waitResult(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, device.StatusAuthorized, r.Status)
	assert.Equal(t, []string{"1"}, probe.authWrites)
}

func TestAuthorizeUserSecurity(t *testing.T) {
	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecurityUser}
	d := newConnectedDevice(t, probe)

	ch := make(chan device.AuthResult, 1)
	d.Authorize(func(r device.AuthResult) { ch <- r })

	r := waitResult(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, device.StatusAuthorized, r.Status)
}

func TestAuthorizeSecureFreshEnrollment(t *testing.T) {
	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecuritySecure}
	d := newConnectedDevice(t, probe)
	assert.Equal(t, device.KeyNone, d.KeyState())

	ch := make(chan device.AuthResult, 1)
	d.Authorize(func(r device.AuthResult) { ch <- r })

	r := waitResult(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, device.StatusAuthorizedSecure, r.Status)
	require.NotNil(t, r.Key)
	assert.True(t, probe.keyWritten)
	assert.Equal(t, device.KeyHaveStored, d.KeyState())
}

func TestAuthorizeSecureChallengeResponse(t *testing.T) {
	k, err := keymaterial.Generate()
	require.NoError(t, err)

	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecuritySecure, key: k}
	d := device.FromStored(probe, store.Record{UID: "uid-1", Security: store.SecuritySecure}, true)
	d.Connected("/sys/bus/thunderbolt/devices/0-1")
	d.UpdateFromUdev("/sys/bus/thunderbolt/devices/0-1", 0)
	assert.Equal(t, device.KeyHaveStored, d.KeyState())

	ch := make(chan device.AuthResult, 1)
	d.Authorize(func(r device.AuthResult) { ch <- r })

	r := waitResult(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, device.StatusAuthorizedSecure, r.Status)
	assert.Equal(t, []string{"2"}, probe.authWrites)
}

func TestAuthorizeRetriesOnEBUSY(t *testing.T) {
	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecurityNone, failAuthN: 2}
	d := newConnectedDevice(t, probe)

	ch := make(chan device.AuthResult, 1)
	d.Authorize(func(r device.AuthResult) { ch <- r })

	r := waitResult(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, device.StatusAuthorized, r.Status)
	assert.Len(t, probe.authWrites, 3)
}

func TestAuthorizeRejectsWhenNotConnected(t *testing.T) {
	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecurityNone}
	// authorized=1 at construction time means the kernel already granted
	// authorization (e.g. boot_acl pre-approval); the device never passes
	// through Connected, so Authorize must reject it.
	d, err := device.NewFromUdev(probe, "/sys/bus/thunderbolt/devices/0-1", "uid-1", "", 1)
	require.NoError(t, err)
	require.Equal(t, device.StatusAuthorized, d.Status())

	ch := make(chan device.AuthResult, 1)
	d.Authorize(func(r device.AuthResult) { ch <- r })

	r := waitResult(t, ch)
	assert.Error(t, r.Err)
}

func TestDisconnectedPreservesStoredFields(t *testing.T) {
	probe := &fakeProbe{name: "Dock", vendor: "Acme", domain: "/sys/bus/thunderbolt/devices/domain0", security: store.SecurityUser}
	d := newConnectedDevice(t, probe)

	d.Disconnected()
	assert.Equal(t, device.StatusDisconnected, d.Status())
	assert.Empty(t, d.Syspath())
	assert.Equal(t, "Dock", d.Name())
}

func TestIsAuthorized(t *testing.T) {
	assert.True(t, device.StatusAuthorized.IsAuthorized())
	assert.True(t, device.StatusAuthorizedSecure.IsAuthorized())
	assert.True(t, device.StatusAuthorizedDponly.IsAuthorized())
	assert.False(t, device.StatusConnected.IsAuthorized())
	assert.False(t, device.StatusAuthError.IsAuthorized())
}
