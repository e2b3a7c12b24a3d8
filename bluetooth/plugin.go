package bluetooth

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
)

// DeviceCommandRequest carries a device-scoped command to plugins. Params is
// the raw decoded request body, so plugins pull their own arguments from it.
type DeviceCommandRequest struct {
	Command     string
	DeviceID    string
	DevicePath  dbus.ObjectPath
	AdapterPath dbus.ObjectPath
	Params      map[string]interface{}
}

// AdapterCommandRequest carries a controller-scoped command to plugins.
type AdapterCommandRequest struct {
	Command        string
	ControllerName string
	AdapterPath    dbus.ObjectPath
	Params         map[string]interface{}
}

// Plugin extends the command surface and receives lifecycle notifications.
// Command handlers return claimed=false when the command is not theirs, so
// dispatch can continue down the plugin list. A non-nil error always halts
// dispatch. Notify hooks must not block; they are invoked from the recovery
// monitor goroutine and from command handlers.
type Plugin interface {
	DeviceCommands() []string
	AdapterCommands() []string

	ProcessDeviceCommand(ctx context.Context, req *DeviceCommandRequest) (claimed bool, err error)
	ProcessAdapterCommand(ctx context.Context, req *AdapterCommandRequest) (claimed bool, data map[string]interface{}, err error)

	DeviceRemovedNotify(ctx context.Context, deviceID string)
	DeviceAddedNotify(ctx context.Context, deviceID string, devicePath dbus.ObjectPath)
	ControllerRemovedNotify(ctx context.Context, controllerName string)
	ControllerAddedNotify(ctx context.Context, controllerName string)
}

// UnimplementedPlugin provides no-op defaults so plugins only implement the
// hooks they care about.
type UnimplementedPlugin struct{}

func (UnimplementedPlugin) DeviceCommands() []string  { return nil }
func (UnimplementedPlugin) AdapterCommands() []string { return nil }

func (UnimplementedPlugin) ProcessDeviceCommand(ctx context.Context, req *DeviceCommandRequest) (bool, error) {
	return false, nil
}

func (UnimplementedPlugin) ProcessAdapterCommand(ctx context.Context, req *AdapterCommandRequest) (bool, map[string]interface{}, error) {
	return false, nil, nil
}

func (UnimplementedPlugin) DeviceRemovedNotify(ctx context.Context, deviceID string)           {}
func (UnimplementedPlugin) DeviceAddedNotify(ctx context.Context, _ string, _ dbus.ObjectPath) {}
func (UnimplementedPlugin) ControllerRemovedNotify(ctx context.Context, controllerName string) {}
func (UnimplementedPlugin) ControllerAddedNotify(ctx context.Context, controllerName string)   {}

// DeviceRemover unpairs and forgets a device. The manager implements it, and
// plugins that need to remove devices (auth failure handling) depend on this
// rather than on the whole manager.
type DeviceRemover interface {
	RemoveDevice(ctx context.Context, adapterPath, devicePath dbus.ObjectPath) error
}
