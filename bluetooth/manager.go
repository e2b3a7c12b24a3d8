package bluetooth

import (
	"context"
	"fmt"
	"sync"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluez"
)

// Manager owns the controller registry, the desired-state store, and the
// ordered plugin list, and dispatches adapter and device commands. One
// manager is created per process and shared by the HTTP layer and the
// recovery monitor.
type Manager struct {
	bus      bluez.Bus
	logger   logging.Logger
	registry *Registry
	store    *StateStore

	mu      sync.Mutex
	plugins []Plugin

	workers sync.WaitGroup
}

// NewManager wires a manager over the given bus. Plugins are registered
// separately, before StartMonitor.
func NewManager(bus bluez.Bus, logger logging.Logger) *Manager {
	return &Manager{
		bus:      bus,
		logger:   logger,
		registry: NewRegistry(bus, logger.Sublogger("registry")),
		store:    NewStateStore(),
	}
}

// Registry returns the controller name registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Store returns the desired-state store.
func (m *Manager) Store() *StateStore { return m.store }

// RegisterPlugin appends a plugin. Registration order is dispatch order.
func (m *Manager) RegisterPlugin(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins = append(m.plugins, p)
}

func (m *Manager) pluginList() []Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Plugin(nil), m.plugins...)
}

// DeviceCommands lists every device command the manager can dispatch,
// including the built-in getConnInfo.
func (m *Manager) DeviceCommands() []string {
	cmds := []string{"getConnInfo"}
	for _, p := range m.pluginList() {
		cmds = append(cmds, p.DeviceCommands()...)
	}
	return cmds
}

// AdapterCommands lists every adapter command the manager can dispatch.
func (m *Manager) AdapterCommands() []string {
	var cmds []string
	for _, p := range m.pluginList() {
		cmds = append(cmds, p.AdapterCommands()...)
	}
	return cmds
}

// ExecuteDeviceCommand offers a device command to the built-ins and then to
// each plugin in registration order. The first claimant wins; a claimant
// error halts dispatch and becomes the result's error message.
func (m *Manager) ExecuteDeviceCommand(ctx context.Context, req *DeviceCommandRequest) Result {
	if req.Command == "getConnInfo" {
		return m.getConnInfo(ctx, req)
	}
	for _, p := range m.pluginList() {
		claimed, err := p.ProcessDeviceCommand(ctx, req)
		if err != nil {
			return Result{Processed: true, ErrorMessage: err.Error()}
		}
		if claimed {
			return Result{Processed: true}
		}
	}
	return Result{ErrorMessage: fmt.Sprintf("Unrecognized command %s", req.Command)}
}

// ExecuteAdapterCommand dispatches an adapter command the same way, merging
// any payload the claiming plugin returns.
func (m *Manager) ExecuteAdapterCommand(ctx context.Context, req *AdapterCommandRequest) Result {
	for _, p := range m.pluginList() {
		claimed, data, err := p.ProcessAdapterCommand(ctx, req)
		if err != nil {
			return Result{Processed: true, ErrorMessage: err.Error()}
		}
		if claimed {
			return Result{Processed: true, Data: data}
		}
	}
	return Result{ErrorMessage: fmt.Sprintf("Unrecognized command %s", req.Command)}
}

// getConnInfo reads live link metrics off the device. BlueZ only exposes
// these while the device is connected; absent values are reported as null.
func (m *Manager) getConnInfo(ctx context.Context, req *DeviceCommandRequest) Result {
	body, err := m.bus.CallMethod(ctx, req.DevicePath, bluez.DeviceInterface, "GetConnInfo")
	if err != nil || len(body) < 3 {
		if err == nil {
			err = errw.Errorf("short reply (%d values)", len(body))
		}
		m.logger.Warnf("connection info for %s: %s", req.DeviceID, err)
		return Result{Processed: true, ErrorMessage: "Unable to get connection info"}
	}
	data := map[string]interface{}{
		"rssi":         body[0],
		"tx_power":     body[1],
		"max_tx_power": body[2],
	}
	return Result{Processed: true, Data: data}
}

// Close waits for the monitor and any other manager goroutines to exit.
// Cancel the context passed to StartMonitor first.
func (m *Manager) Close() {
	m.workers.Wait()
}
