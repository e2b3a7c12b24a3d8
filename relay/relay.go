// Package relay broadcasts BLE events (discovery results, connection state,
// characteristic changes) to TCP clients as line-delimited JSON, and exposes
// the server lifecycle through bluetooth adapter commands.
package relay

import (
	"context"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez"
	"github.com/edgelinkio/btagent/utils"
)

// discoveryKeys are the Device1 properties forwarded in discovery events.
var discoveryKeys = map[string]struct{}{
	"Name":    {},
	"Alias":   {},
	"Address": {},
	"Class":   {},
	"Icon":    {},
	"RSSI":    {},
	"UUIDs":   {},
}

// Plugin owns an optional event server and the BlueZ signal watchers feeding
// it. The server exists only between bleStartServer and bleStopServer.
type Plugin struct {
	bluetooth.UnimplementedPlugin

	logger logging.Logger
	bus    bluez.Bus

	mu            sync.Mutex
	server        *Server
	cancelObjects func()
	propWatches   map[dbus.ObjectPath]func()
	workers       sync.WaitGroup
}

// NewPlugin returns a relay plugin ready for registration with the manager.
func NewPlugin(bus bluez.Bus, logger logging.Logger) *Plugin {
	return &Plugin{
		logger:      logger,
		bus:         bus,
		propWatches: make(map[dbus.ObjectPath]func()),
	}
}

var _ bluetooth.Plugin = (*Plugin)(nil)

// AdapterCommands implements bluetooth.Plugin.
func (p *Plugin) AdapterCommands() []string {
	return []string{"bleStartServer", "bleStopServer", "bleServerStatus", "bleStartDiscovery", "bleStopDiscovery"}
}

// ProcessAdapterCommand implements bluetooth.Plugin.
func (p *Plugin) ProcessAdapterCommand(ctx context.Context, req *bluetooth.AdapterCommandRequest) (bool, map[string]interface{}, error) {
	switch req.Command {
	case "bleStartServer":
		return true, nil, p.startServer(req.Params)
	case "bleStopServer":
		return true, nil, p.stopServer()
	case "bleServerStatus":
		return true, p.serverStatus(), nil
	case "bleStartDiscovery":
		_, err := p.bus.CallMethod(ctx, req.AdapterPath, bluez.AdapterInterface, "StartDiscovery")
		return true, nil, errw.Wrap(err, "starting discovery")
	case "bleStopDiscovery":
		_, err := p.bus.CallMethod(ctx, req.AdapterPath, bluez.AdapterInterface, "StopDiscovery")
		return true, nil, errw.Wrap(err, "stopping discovery")
	default:
		return false, nil, nil
	}
}

func (p *Plugin) startServer(params map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return errw.New("bleServer already started")
	}

	port, ok := intParam(params["tcpPort"])
	if !ok {
		return errw.Wrap(bluetooth.ErrInvalidParameter, "tcpPort param not specified")
	}
	server, err := newServer(port, p.logger.Sublogger("server"))
	if err != nil {
		return err
	}

	changes, cancel, err := p.bus.SubscribeObjectChanges()
	if err != nil {
		server.Close()
		return errw.Wrap(err, "subscribing to object changes")
	}
	p.server = server
	p.cancelObjects = cancel

	p.workers.Add(1)
	go p.watchObjects(changes)
	p.logger.Infof("ble event server listening on port %d", port)
	return nil
}

func (p *Plugin) stopServer() error {
	p.mu.Lock()
	server := p.server
	cancelObjects := p.cancelObjects
	watches := p.propWatches
	p.server = nil
	p.cancelObjects = nil
	p.propWatches = make(map[dbus.ObjectPath]func())
	p.mu.Unlock()

	if server == nil {
		return errw.New("ble server is not running")
	}
	if cancelObjects != nil {
		cancelObjects()
	}
	for _, cancel := range watches {
		cancel()
	}
	server.Close()
	p.workers.Wait()
	return nil
}

func (p *Plugin) serverStatus() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return map[string]interface{}{"started": false}
	}
	return map[string]interface{}{"started": true, "port": p.server.Port()}
}

// watchObjects turns BlueZ object lifecycle signals into discovery events and
// property watches for connection and characteristic traffic.
func (p *Plugin) watchObjects(changes <-chan bluez.ObjectChange) {
	defer utils.Recover(p.logger, nil)
	defer p.workers.Done()
	for change := range changes {
		if !change.Added {
			p.dropWatch(change.Path)
			continue
		}
		if props, ok := change.Interfaces[bluez.DeviceInterface]; ok {
			p.publishDiscovery(props)
			p.addWatch(change.Path)
		}
		if _, ok := change.Interfaces[bluez.GattCharacteristicInterface]; ok {
			p.addWatch(change.Path)
		}
	}
}

func (p *Plugin) publishDiscovery(props map[string]dbus.Variant) {
	data := make(map[string]interface{})
	for key, variant := range props {
		if _, ok := discoveryKeys[key]; ok {
			data[key] = variant.Value()
		}
	}
	p.broadcast("discovery", data)
}

func (p *Plugin) addWatch(path dbus.ObjectPath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return
	}
	if _, ok := p.propWatches[path]; ok {
		return
	}
	events, cancel, err := p.bus.SubscribeProperties(path)
	if err != nil {
		p.logger.Warnf("watching %s: %s", path, err)
		return
	}
	p.propWatches[path] = cancel
	p.workers.Add(1)
	go p.watchProperties(path, events)
}

func (p *Plugin) dropWatch(path dbus.ObjectPath) {
	p.mu.Lock()
	cancel, ok := p.propWatches[path]
	delete(p.propWatches, path)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Plugin) watchProperties(path dbus.ObjectPath, events <-chan bluez.PropertyChange) {
	defer utils.Recover(p.logger, nil)
	defer p.workers.Done()
	for change := range events {
		switch change.Interface {
		case bluez.DeviceInterface:
			p.handleDeviceChange(path, change.Changed)
		case bluez.GattCharacteristicInterface:
			p.handleCharacteristicChange(path, change.Changed)
		}
	}
}

func (p *Plugin) handleDeviceChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	variant, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := variant.Value().(bool)
	if !ok {
		return
	}
	address := ""
	if v, err := p.bus.GetProperty(context.Background(), path, bluez.DeviceInterface, "Address"); err == nil {
		address, _ = v.Value().(string)
	}
	p.broadcast("connect", map[string]interface{}{
		"address":   bluez.NormalizeDeviceID(address),
		"connected": connected,
	})
}

func (p *Plugin) handleCharacteristicChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	variant, ok := changed["Value"]
	if !ok {
		return
	}
	payload, ok := variant.Value().([]byte)
	if !ok {
		return
	}
	uuid := ""
	if v, err := p.bus.GetProperty(context.Background(), path, bluez.GattCharacteristicInterface, "UUID"); err == nil {
		uuid, _ = v.Value().(string)
	}
	p.broadcast("char", map[string]interface{}{
		"uuid":  uuid,
		"value": hexEncode(payload),
	})
}

func (p *Plugin) broadcast(topic string, data map[string]interface{}) {
	p.mu.Lock()
	server := p.server
	p.mu.Unlock()
	if server != nil {
		server.Broadcast(topic, data)
	}
}

// Shutdown stops the server if it is running.
func (p *Plugin) Shutdown() {
	if err := p.stopServer(); err != nil {
		p.logger.Debugf("stopping ble event server: %s", err)
	}
}

func intParam(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
