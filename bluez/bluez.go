// Package bluez is a thin client for the BlueZ object model on the system
// D-Bus: property access, method calls, and asynchronous subscriptions to
// object and property changes. It carries no policy; higher layers decide
// what to do with the events it surfaces.
package bluez

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
)

const (
	ServiceName = "org.bluez"
	PathPrefix  = "/org/bluez/"

	AdapterInterface            = "org.bluez.Adapter1"
	DeviceInterface             = "org.bluez.Device1"
	GattServiceInterface        = "org.bluez.GattService1"
	GattCharacteristicInterface = "org.bluez.GattCharacteristic1"
	GattManagerInterface        = "org.bluez.GattManager1"

	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
)

// ObjectMap mirrors the reply shape of ObjectManager.GetManagedObjects:
// object path -> interface name -> property name -> value.
type ObjectMap = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// ObjectChange is an InterfacesAdded/InterfacesRemoved event. Interfaces is
// nil for removals.
type ObjectChange struct {
	Added      bool
	Path       dbus.ObjectPath
	Interfaces map[string]map[string]dbus.Variant
}

// PropertyChange is a PropertiesChanged event for a single object.
type PropertyChange struct {
	Path      dbus.ObjectPath
	Interface string
	Changed   map[string]dbus.Variant
}

// Bus is the transport surface the rest of the agent is written against. The
// production implementation is SystemBus; tests substitute an in-memory fake.
type Bus interface {
	// ManagedObjects returns the full BlueZ object tree.
	ManagedObjects(ctx context.Context) (ObjectMap, error)
	GetProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)
	SetProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string, value dbus.Variant) error
	// CallMethod invokes iface.method on the object at path and returns the
	// reply body.
	CallMethod(ctx context.Context, path dbus.ObjectPath, iface, method string, args ...interface{}) ([]interface{}, error)
	// SubscribeObjectChanges delivers InterfacesAdded/Removed events in
	// arrival order until the returned cancel func is called.
	SubscribeObjectChanges() (<-chan ObjectChange, func(), error)
	// SubscribeProperties delivers PropertiesChanged events for the object at
	// path until the returned cancel func is called.
	SubscribeProperties(path dbus.ObjectPath) (<-chan PropertyChange, func(), error)
}
