package bluetooth

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"

	"github.com/edgelinkio/btagent/bluez"
	"github.com/edgelinkio/btagent/utils"
)

// StartMonitor subscribes to BlueZ object lifecycle signals and restores
// commanded state when adapters or devices reappear after a reset. Events are
// handled one at a time on a single goroutine, so a remove followed by an add
// is always processed in order. Restore failures are logged, never fatal; the
// next reset gets another chance.
func (m *Manager) StartMonitor(ctx context.Context) error {
	changes, cancel, err := m.bus.SubscribeObjectChanges()
	if err != nil {
		return errw.Wrap(err, "subscribing to object changes")
	}
	m.workers.Add(1)
	go func() {
		defer utils.Recover(m.logger, nil)
		defer m.workers.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				m.handleObjectChange(ctx, change)
			}
		}
	}()
	return nil
}

func (m *Manager) handleObjectChange(ctx context.Context, change bluez.ObjectChange) {
	switch {
	case bluez.IsAdapterPath(change.Path):
		if change.Added {
			m.logger.Infof("bluetooth adapter added: %s", change.Path)
			m.controllerRestore(ctx, change.Path)
		} else {
			m.logger.Infof("bluetooth adapter removed: %s", change.Path)
			name := m.registry.LastKnownName(change.Path)
			for _, p := range m.pluginList() {
				p.ControllerRemovedNotify(ctx, name)
			}
		}
	case bluez.IsDevicePath(change.Path):
		if change.Added {
			m.logger.Infof("bluetooth device added: %s", change.Path)
			m.deviceRestore(ctx, change.Path)
		}
	}
}

// controllerRestore reapplies the commanded adapter state and schedules every
// device under the controller for restore on its own InterfacesAdded signal.
func (m *Manager) controllerRestore(ctx context.Context, adapterPath dbus.ObjectPath) {
	name := m.registry.ReverseResolve(ctx, adapterPath)
	if name == "" {
		m.logger.Warnf("adapter %s is not a registered controller", adapterPath)
		return
	}
	m.logger.Infof("restoring controller state for %s", name)

	props := m.store.ControllerProperties(name)
	if err := m.SetAdapterProperties(ctx, name, adapterPath, props); err != nil {
		m.logger.Warnf("restoring adapter properties for %s: %s", name, err)
	}

	for _, deviceID := range m.store.DeviceIDs(name) {
		m.store.MarkPendingRestore(deviceID)
	}

	for _, p := range m.pluginList() {
		p.ControllerAddedNotify(ctx, name)
	}
}

// deviceRestore reapplies commanded device state, but only when the device
// was scheduled by a preceding controller restore. Plugins are then notified
// so they can re-establish protocol links; service discovery may still be in
// flight at that point.
func (m *Manager) deviceRestore(ctx context.Context, devicePath dbus.ObjectPath) {
	variant, err := m.bus.GetProperty(ctx, devicePath, bluez.DeviceInterface, "Address")
	if err != nil {
		m.logger.Warnf("reading address of %s: %s", devicePath, err)
		return
	}
	addr, _ := variant.Value().(string)
	deviceID := bluez.NormalizeDeviceID(addr)

	if !m.store.ClearPendingRestore(deviceID) {
		return
	}

	adapterPath, ok := bluez.AdapterOfDevice(devicePath)
	if !ok {
		m.logger.Errorf("no adapter path in device path %s", devicePath)
		return
	}
	name := m.registry.ReverseResolve(ctx, adapterPath)
	m.logger.Infof("restoring device state for %s on %s", deviceID, name)

	props := m.store.DeviceProperties(name, deviceID)
	if err := m.SetDeviceProperties(ctx, adapterPath, devicePath, props); err != nil {
		m.logger.Warnf("restoring device properties for %s: %s", deviceID, err)
	}

	for _, p := range m.pluginList() {
		p.DeviceAddedNotify(ctx, deviceID, devicePath)
	}
}
