package bluetooth

import (
	"context"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"

	"github.com/edgelinkio/btagent/bluez"
)

const (
	pairTimeout    = time.Minute
	connectTimeout = time.Minute
)

// settableDeviceProps map directly onto Device1 boolean properties.
var settableDeviceProps = []string{"Trusted", "AutoConnect", "AutoConnectAutoDisable"}

// CachedAdapterProps are the adapter keys the HTTP layer records in the state
// store for replay after an adapter reset. transportFilter is cached
// separately, only once BlueZ accepts it.
var CachedAdapterProps = []string{"discovering", "powered", "discoverable"}

// CachedDeviceProps are the device keys recorded for replay.
var CachedDeviceProps = []string{"connected", "autoConnect", "autoConnectAutoDisable"}

// asBool accepts JSON booleans and 0/1 numbers.
func asBool(v interface{}) (value, ok bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	default:
		return false, false
	}
}

func lowerCamelCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// SetAdapterProperties applies requested properties to an adapter. Powered is
// applied first; when powering off, discoverable and discovering requests
// that are themselves false are dropped rather than applied to a dead radio.
// An accepted transport filter is cached in the state store.
func (m *Manager) SetAdapterProperties(
	ctx context.Context,
	controllerName string,
	adapterPath dbus.ObjectPath,
	props map[string]interface{},
) error {
	discoverable, hasDiscoverable := asBool(props["discoverable"])
	discovering, hasDiscovering := asBool(props["discovering"])

	if powered, ok := asBool(props["powered"]); ok {
		err := m.bus.SetProperty(ctx, adapterPath, bluez.AdapterInterface, "Powered", dbus.MakeVariant(powered))
		if err != nil {
			return errw.Wrap(err, "setting Powered")
		}
		if !powered {
			if !discoverable {
				hasDiscoverable = false
			}
			if !discovering {
				hasDiscovering = false
			}
		}
	}

	if tf, ok := props["transportFilter"].(string); ok {
		if err := m.setTransportFilter(ctx, controllerName, adapterPath, tf); err != nil {
			return err
		}
	}

	if hasDiscoverable {
		err := m.bus.SetProperty(ctx, adapterPath, bluez.AdapterInterface, "Discoverable", dbus.MakeVariant(discoverable))
		if err != nil {
			return errw.Wrap(err, "setting Discoverable")
		}
	}

	if hasDiscovering {
		variant, err := m.bus.GetProperty(ctx, adapterPath, bluez.AdapterInterface, "Discovering")
		if err != nil {
			return errw.Wrap(err, "reading Discovering")
		}
		current, _ := variant.Value().(bool)
		if current != discovering {
			method := "StartDiscovery"
			if !discovering {
				method = "StopDiscovery"
			}
			if _, err := m.bus.CallMethod(ctx, adapterPath, bluez.AdapterInterface, method); err != nil {
				return errw.Wrapf(err, "%s", method)
			}
		}
	}
	return nil
}

// setTransportFilter asks BlueZ to merge a Transport discovery filter. BlueZ
// rejects values outside auto, bredr, and le.
func (m *Manager) setTransportFilter(
	ctx context.Context,
	controllerName string,
	adapterPath dbus.ObjectPath,
	transportFilter string,
) error {
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant(transportFilter)}
	if _, err := m.bus.CallMethod(ctx, adapterPath, bluez.AdapterInterface, "SetDiscoveryFilter", filter); err != nil {
		m.logger.Warnf("transport filter %s rejected for %s: %s", transportFilter, controllerName, err)
		return errw.Wrapf(ErrInvalidParameter, "Transport filter %s not accepted", transportFilter)
	}
	m.store.SetControllerProperty(controllerName, "transportFilter", transportFilter)
	return nil
}

// TransportFilter returns the last accepted transport filter for a controller.
func (m *Manager) TransportFilter(controllerName string) (string, bool) {
	tf, ok := m.store.ControllerProperties(controllerName)["transportFilter"].(string)
	return tf, ok
}

// SetDeviceProperties applies requested properties to a device. Trusted and
// autoConnect flags are set directly. paired true pairs (bounded by a one
// minute deadline), paired false unpairs the device entirely and skips the
// rest. connected toggles the link when it differs from the current state.
func (m *Manager) SetDeviceProperties(
	ctx context.Context,
	adapterPath dbus.ObjectPath,
	devicePath dbus.ObjectPath,
	props map[string]interface{},
) error {
	for _, prop := range settableDeviceProps {
		value, ok := asBool(props[lowerCamelCase(prop)])
		if !ok {
			continue
		}
		err := m.bus.SetProperty(ctx, devicePath, bluez.DeviceInterface, prop, dbus.MakeVariant(value))
		if err != nil {
			return errw.Wrapf(err, "setting %s", prop)
		}
	}

	if paired, ok := asBool(props["paired"]); ok {
		if !paired {
			return m.RemoveDevice(ctx, adapterPath, devicePath)
		}
		variant, err := m.bus.GetProperty(ctx, devicePath, bluez.DeviceInterface, "Paired")
		if err != nil {
			return errw.Wrap(err, "reading Paired")
		}
		if current, _ := variant.Value().(bool); !current {
			pairCtx, cancel := context.WithTimeout(ctx, pairTimeout)
			defer cancel()
			if _, err := m.bus.CallMethod(pairCtx, devicePath, bluez.DeviceInterface, "Pair"); err != nil {
				if errw.Is(err, context.DeadlineExceeded) {
					return errw.Wrap(ErrTimeout, "pairing")
				}
				return errw.Wrap(err, "pairing")
			}
		}
	}

	if connected, ok := asBool(props["connected"]); ok {
		variant, err := m.bus.GetProperty(ctx, devicePath, bluez.DeviceInterface, "Connected")
		if err != nil {
			return errw.Wrap(err, "reading Connected")
		}
		if current, _ := variant.Value().(bool); current != connected {
			if connected {
				connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
				defer cancel()
				if _, err := m.bus.CallMethod(connectCtx, devicePath, bluez.DeviceInterface, "Connect"); err != nil {
					if errw.Is(err, context.DeadlineExceeded) {
						return errw.Wrap(ErrTimeout, "connecting")
					}
					return errw.Wrap(err, "connecting")
				}
			} else {
				if _, err := m.bus.CallMethod(ctx, devicePath, bluez.DeviceInterface, "Disconnect"); err != nil {
					return errw.Wrap(err, "disconnecting")
				}
			}
		}
	}
	return nil
}

// RemoveDevice disconnects (if connected) and unpairs a device, then tells
// plugins the device is gone. After RemoveDevice succeeds the object path is
// invalid, so the address is read first.
func (m *Manager) RemoveDevice(ctx context.Context, adapterPath, devicePath dbus.ObjectPath) error {
	variant, err := m.bus.GetProperty(ctx, devicePath, bluez.DeviceInterface, "Connected")
	if err != nil {
		return errw.Wrap(err, "reading Connected")
	}
	if connected, _ := variant.Value().(bool); connected {
		if _, err := m.bus.CallMethod(ctx, devicePath, bluez.DeviceInterface, "Disconnect"); err != nil {
			return errw.Wrap(err, "disconnecting")
		}
	}

	variant, err = m.bus.GetProperty(ctx, devicePath, bluez.DeviceInterface, "Address")
	if err != nil {
		return errw.Wrap(err, "reading Address")
	}
	addr, _ := variant.Value().(string)
	deviceID := bluez.NormalizeDeviceID(addr)

	if _, err := m.bus.CallMethod(ctx, adapterPath, bluez.AdapterInterface, "RemoveDevice", devicePath); err != nil {
		return errw.Wrap(err, "removing device")
	}

	for _, p := range m.pluginList() {
		p.DeviceRemovedNotify(ctx, deviceID)
	}
	return nil
}
