package vsp

import (
	"context"
	"sort"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez"
)

// commandTimeout bounds the D-Bus work of a single gattConnect or
// gattDisconnect. Sessions themselves are unbounded.
const commandTimeout = 5 * time.Second

// Plugin exposes VSP tunnels through the bluetooth command dispatcher and
// keeps at most one session per device.
type Plugin struct {
	bluetooth.UnimplementedPlugin

	logger  logging.Logger
	bus     bluez.Bus
	remover bluetooth.DeviceRemover

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPlugin returns a VSP plugin ready for registration with the manager.
func NewPlugin(bus bluez.Bus, remover bluetooth.DeviceRemover, logger logging.Logger) *Plugin {
	return &Plugin{
		logger:   logger,
		bus:      bus,
		remover:  remover,
		sessions: make(map[string]*Session),
	}
}

var _ bluetooth.Plugin = (*Plugin)(nil)

// DeviceCommands implements bluetooth.Plugin.
func (p *Plugin) DeviceCommands() []string {
	return []string{"gattConnect", "gattDisconnect"}
}

// AdapterCommands implements bluetooth.Plugin.
func (p *Plugin) AdapterCommands() []string {
	return []string{"gattList"}
}

// ProcessDeviceCommand implements bluetooth.Plugin.
func (p *Plugin) ProcessDeviceCommand(ctx context.Context, req *bluetooth.DeviceCommandRequest) (bool, error) {
	switch req.Command {
	case "gattConnect":
		return true, p.gattConnect(ctx, req)
	case "gattDisconnect":
		return true, p.gattDisconnect(ctx, req.DeviceID)
	default:
		return false, nil
	}
}

// ProcessAdapterCommand implements bluetooth.Plugin.
func (p *Plugin) ProcessAdapterCommand(ctx context.Context, req *bluetooth.AdapterCommandRequest) (bool, map[string]interface{}, error) {
	if req.Command != "gattList" {
		return false, nil, nil
	}
	return true, map[string]interface{}{"GattConnections": p.list()}, nil
}

func (p *Plugin) gattConnect(ctx context.Context, req *bluetooth.DeviceCommandRequest) error {
	if req.DevicePath == "" {
		return errw.Wrapf(bluetooth.ErrNotFound, "device %s not found", req.DeviceID)
	}

	session := newSession(p.bus, p.remover, p.logger.Sublogger(req.DeviceID), req.DeviceID, p.sessionClosed)

	p.mu.Lock()
	if existing, ok := p.sessions[req.DeviceID]; ok {
		port := existing.Port()
		p.mu.Unlock()
		return errw.Wrapf(bluetooth.ErrAlreadyExists, "device %s already has a vsp connection on port %d", req.DeviceID, port)
	}
	p.sessions[req.DeviceID] = session
	p.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := session.Connect(connectCtx, req.DevicePath, req.Params); err != nil {
		p.mu.Lock()
		delete(p.sessions, req.DeviceID)
		p.mu.Unlock()
		if errw.Is(err, context.DeadlineExceeded) {
			return errw.Wrapf(bluetooth.ErrTimeout, "gattConnect for %s timed out", req.DeviceID)
		}
		return err
	}
	return nil
}

func (p *Plugin) gattDisconnect(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if !ok {
		return errw.Wrapf(bluetooth.ErrNotFound, "device %s has no vsp connection", deviceID)
	}
	closeCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	session.Close(closeCtx)
	return nil
}

func (p *Plugin) list() []map[string]interface{} {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].DeviceID() < sessions[j].DeviceID() })
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]interface{}{"device": s.DeviceID(), "port": s.Port()})
	}
	return out
}

// sessionClosed keeps the registry consistent no matter which side ended the
// session.
func (p *Plugin) sessionClosed(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[s.DeviceID()] == s {
		delete(p.sessions, s.DeviceID())
	}
}

// DeviceRemovedNotify implements bluetooth.Plugin; unpaired devices lose
// their tunnels.
func (p *Plugin) DeviceRemovedNotify(ctx context.Context, deviceID string) {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if ok {
		session.Close(ctx)
	}
}

// ControllerRemovedNotify implements bluetooth.Plugin; sessions drop their
// GATT side but keep listening, ready for the controller to return.
func (p *Plugin) ControllerRemovedNotify(ctx context.Context, controllerName string) {
	for _, session := range p.snapshot() {
		session.GattOnlyDisconnect(ctx)
	}
}

// DeviceAddedNotify implements bluetooth.Plugin; a restored device gets its
// tunnel GATT side back.
func (p *Plugin) DeviceAddedNotify(ctx context.Context, deviceID string, devicePath dbus.ObjectPath) {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if ok {
		session.GattOnlyReconnect(ctx)
	}
}

func (p *Plugin) snapshot() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown closes every session and waits for their goroutines.
func (p *Plugin) Shutdown(ctx context.Context) {
	for _, session := range p.snapshot() {
		session.Close(ctx)
		session.Wait()
	}
}
