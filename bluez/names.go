package bluez

import (
	"regexp"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
)

// bluetoothBaseUUID is the suffix shared by all SIG-assigned short UUIDs.
const bluetoothBaseUUID = "-0000-1000-8000-00805f9b34fb"

var (
	adapterPathPattern     = regexp.MustCompile(`^/org/bluez/hci\d+$`)
	devicePathPattern      = regexp.MustCompile(`^/org/bluez/hci\d+/dev_\w+$`)
	deviceAdapterOfPattern = regexp.MustCompile(`^(/org/bluez/hci\d+)/dev_\w+$`)
	shortUUIDPattern       = regexp.MustCompile(`^[0-9a-fA-F]{4}([0-9a-fA-F]{4})?$`)
)

// IsAdapterPath reports whether path names a BlueZ adapter object.
func IsAdapterPath(path dbus.ObjectPath) bool {
	return adapterPathPattern.MatchString(string(path))
}

// IsDevicePath reports whether path names a BlueZ device object.
func IsDevicePath(path dbus.ObjectPath) bool {
	return devicePathPattern.MatchString(string(path))
}

// AdapterOfDevice returns the adapter object path owning the given device
// path, derived from the path prefix.
func AdapterOfDevice(path dbus.ObjectPath) (dbus.ObjectPath, bool) {
	m := deviceAdapterOfPattern.FindStringSubmatch(string(path))
	if m == nil {
		return "", false
	}
	return dbus.ObjectPath(m[1]), true
}

// ControllerPrettyName converts a bus name or path like /org/bluez/hci0 to
// the API-facing form controller0.
func ControllerPrettyName(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, PathPrefix, ""), "hci", "controller")
}

// NormalizeDeviceID standardizes a device identifier (MAC address) from URI
// form (xx_xx_xx_xx_xx_xx) to conventional form (XX:XX:XX:XX:XX:XX).
func NormalizeDeviceID(id string) string {
	return strings.ReplaceAll(strings.ToUpper(id), "_", ":")
}

// NormalizeUUID lowercases a GATT UUID and expands 16- and 32-bit shorthand
// against the Bluetooth base UUID, so user-supplied identifiers compare
// equal to the 128-bit form BlueZ reports.
func NormalizeUUID(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", errw.New("empty UUID")
	}
	if shortUUIDPattern.MatchString(u) {
		full := strings.Repeat("0", 8-len(u)) + strings.ToLower(u)
		return full + bluetoothBaseUUID, nil
	}
	parsed, err := uuid.Parse(u)
	if err != nil {
		return "", errw.Wrapf(err, "invalid UUID %q", u)
	}
	return parsed.String(), nil
}
