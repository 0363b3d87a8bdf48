package uevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeUdevDevice struct {
	action, syspath, sysname string
	props                    map[string]string
}

func (f fakeUdevDevice) Action() string  { return f.action }
func (f fakeUdevDevice) Syspath() string { return f.syspath }
func (f fakeUdevDevice) Sysname() string { return f.sysname }
func (f fakeUdevDevice) PropertyValue(key string) string {
	return f.props[key]
}

func TestFromDeviceDropsDomainNodes(t *testing.T) {
	dev := fakeUdevDevice{action: "add", sysname: "domain0", syspath: "/sys/bus/thunderbolt/devices/domain0"}

	_, ok := fromDevice(ActionAdd, dev)
	assert.False(t, ok)
}

func TestFromDeviceDropsMissingUniqueID(t *testing.T) {
	dev := fakeUdevDevice{action: "add", sysname: "0-1", syspath: "/sys/bus/thunderbolt/devices/0-1"}

	_, ok := fromDevice(ActionAdd, dev)
	assert.False(t, ok)
}

func TestFromDeviceAcceptsAddWithUniqueID(t *testing.T) {
	dev := fakeUdevDevice{
		action:  "add",
		sysname: "0-1",
		syspath: "/sys/bus/thunderbolt/devices/0-1",
		props:   map[string]string{"UNIQUE_ID": "abc123", "AUTHORIZED": "1"},
	}

	ev, ok := fromDevice(ActionAdd, dev)
	assert.True(t, ok)
	assert.Equal(t, "abc123", ev.UniqueID)
	assert.Equal(t, 1, ev.Authorized)
	assert.Equal(t, "/sys/bus/thunderbolt/devices/0-1", ev.Syspath)
}

func TestFromDeviceRemoveDoesNotRequireUniqueID(t *testing.T) {
	dev := fakeUdevDevice{action: "remove", sysname: "0-1", syspath: "/sys/bus/thunderbolt/devices/0-1"}

	ev, ok := fromDevice(ActionRemove, dev)
	assert.True(t, ok)
	assert.Empty(t, ev.UniqueID)
}
