package vsp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez"
	"github.com/edgelinkio/btagent/utils"
)

const tcpReadBufferSize = 512

// Session is one live VSP tunnel: a subscribed GATT characteristic pair on
// one side and a single-client TCP listener on the other. A session outlives
// BLE link drops (the listener stays up and frames the reconnects in JSON
// mode); it ends only on explicit disconnect, device removal, or the TCP
// client hanging up.
type Session struct {
	logger   logging.Logger
	bus      bluez.Bus
	remover  bluetooth.DeviceRemover
	deviceID string
	onClosed func(*Session)

	mu                 sync.Mutex
	params             Params
	devicePath         dbus.ObjectPath
	adapterPath        dbus.ObjectPath
	readCharPath       dbus.ObjectPath
	writeCharPath      dbus.ObjectPath
	listener           net.Listener
	client             net.Conn
	rxBuf              []byte
	waitingForResolved bool
	closed             bool
	cancelDeviceWatch  func()
	cancelCharWatch    func()

	workers sync.WaitGroup
}

func newSession(
	bus bluez.Bus,
	remover bluetooth.DeviceRemover,
	logger logging.Logger,
	deviceID string,
	onClosed func(*Session),
) *Session {
	return &Session{
		logger:   logger,
		bus:      bus,
		remover:  remover,
		deviceID: deviceID,
		onClosed: onClosed,
	}
}

// DeviceID returns the normalized address of the tunneled device.
func (s *Session) DeviceID() string { return s.deviceID }

// Port returns the TCP port the session listens on.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.TCPPort
}

// Connect validates params, discovers the VSP characteristics under the
// device, subscribes to notifications, and opens the TCP listener.
func (s *Session) Connect(ctx context.Context, devicePath dbus.ObjectPath, raw map[string]interface{}) error {
	params, err := ParseParams(raw)
	if err != nil {
		return err
	}
	adapterPath, ok := bluez.AdapterOfDevice(devicePath)
	if !ok {
		return errw.Wrapf(bluetooth.ErrInvalidParameter, "bad device path %s", devicePath)
	}

	s.mu.Lock()
	s.params = params
	s.devicePath = devicePath
	s.adapterPath = adapterPath
	s.mu.Unlock()

	if err := s.attachGatt(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", params.TCPPort))
	if err != nil {
		s.detachGatt(ctx)
		return errw.Wrapf(err, "listening on tcp port %d", params.TCPPort)
	}

	deviceEvents, cancelDeviceWatch, err := s.bus.SubscribeProperties(devicePath)
	if err != nil {
		_ = listener.Close()
		s.detachGatt(ctx)
		return errw.Wrap(err, "watching device properties")
	}

	s.mu.Lock()
	if s.closed {
		// Close ran while we were attaching, before it could see any of
		// our resources. Unwind them here or the listener leaks.
		s.mu.Unlock()
		cancelDeviceWatch()
		_ = listener.Close()
		s.detachGatt(ctx)
		return errw.Wrapf(bluetooth.ErrNotFound, "device %s removed during connect", s.deviceID)
	}
	s.listener = listener
	s.cancelDeviceWatch = cancelDeviceWatch
	s.mu.Unlock()

	s.workers.Add(2)
	go s.watchDevice(deviceEvents)
	go s.acceptLoop(listener)

	s.logger.Infof("vsp session for %s listening on port %d", s.deviceID, params.TCPPort)
	return nil
}

// attachGatt finds the service and characteristic pair under the device and
// starts notifications on the read characteristic.
func (s *Session) attachGatt(ctx context.Context) error {
	s.mu.Lock()
	devicePath := s.devicePath
	params := s.params
	s.mu.Unlock()

	objects, err := s.bus.ManagedObjects(ctx)
	if err != nil {
		return errw.Wrap(err, "listing bluez objects")
	}

	servicePath := findByUUID(objects, bluez.GattServiceInterface, string(devicePath), params.ServiceUUID)
	if servicePath == "" {
		return errw.Wrapf(bluetooth.ErrNotFound, "no VSP service %s on device %s", params.ServiceUUID, s.deviceID)
	}
	readCharPath := findByUUID(objects, bluez.GattCharacteristicInterface, string(servicePath), params.ReadCharUUID)
	if readCharPath == "" {
		return errw.Wrapf(bluetooth.ErrNotFound, "no read characteristic %s on device %s", params.ReadCharUUID, s.deviceID)
	}
	writeCharPath := findByUUID(objects, bluez.GattCharacteristicInterface, string(servicePath), params.WriteCharUUID)
	if writeCharPath == "" {
		return errw.Wrapf(bluetooth.ErrNotFound, "no write characteristic %s on device %s", params.WriteCharUUID, s.deviceID)
	}

	charEvents, cancelCharWatch, err := s.bus.SubscribeProperties(readCharPath)
	if err != nil {
		return errw.Wrap(err, "watching read characteristic")
	}
	if _, err := s.bus.CallMethod(ctx, readCharPath, bluez.GattCharacteristicInterface, "StartNotify"); err != nil {
		cancelCharWatch()
		return errw.Wrap(err, "starting notifications")
	}

	s.mu.Lock()
	s.readCharPath = readCharPath
	s.writeCharPath = writeCharPath
	s.cancelCharWatch = cancelCharWatch
	s.mu.Unlock()

	s.workers.Add(1)
	go s.watchCharacteristic(charEvents)
	return nil
}

// detachGatt tears down the notification subscription and forgets the
// characteristic paths. StopNotify failures are expected when the remote end
// already dropped the link.
func (s *Session) detachGatt(ctx context.Context) {
	s.mu.Lock()
	readCharPath := s.readCharPath
	cancelCharWatch := s.cancelCharWatch
	s.readCharPath = ""
	s.writeCharPath = ""
	s.cancelCharWatch = nil
	s.mu.Unlock()

	if cancelCharWatch != nil {
		cancelCharWatch()
	}
	if readCharPath != "" {
		if _, err := s.bus.CallMethod(ctx, readCharPath, bluez.GattCharacteristicInterface, "StopNotify"); err != nil {
			s.logger.Debugf("stopping notifications on %s: %s", readCharPath, err)
		}
	}
}

// findByUUID locates an object of the given interface whose UUID property
// matches, scoped under a path prefix so results belong to one device.
func findByUUID(objects bluez.ObjectMap, iface, prefix, uuid string) dbus.ObjectPath {
	for path, ifaces := range objects {
		props, ok := ifaces[iface]
		if !ok || !strings.HasPrefix(string(path), prefix+"/") {
			continue
		}
		raw, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		if normalized, err := bluez.NormalizeUUID(raw); err == nil && normalized == uuid {
			return path
		}
	}
	return ""
}

// acceptLoop enforces the single-client policy: the first connection is
// served, later ones are closed immediately until the active client leaves.
func (s *Session) acceptLoop(listener net.Listener) {
	defer utils.Recover(s.logger, nil)
	defer s.workers.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed || s.client != nil {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.client = conn
		s.mu.Unlock()
		s.logger.Infof("vsp client %s attached to %s", conn.RemoteAddr(), s.deviceID)

		s.workers.Add(1)
		go s.serveClient(conn)
	}
}

// serveClient pumps TCP bytes into GATT writes. The client hanging up ends
// the whole session.
func (s *Session) serveClient(conn net.Conn) {
	defer utils.Recover(s.logger, nil)
	defer s.workers.Done()

	buf := make([]byte, tcpReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.pumpToGatt(buf[:n])
		}
		if err != nil {
			break
		}
	}

	s.logger.Infof("vsp client left %s", s.deviceID)
	s.mu.Lock()
	if s.client == conn {
		s.client = nil
		s.rxBuf = nil
	}
	closed := s.closed
	s.mu.Unlock()
	_ = conn.Close()
	if !closed {
		s.Close(context.Background())
	}
}

// pumpToGatt buffers incoming bytes and writes them to the write
// characteristic in exact WriteSize chunks; at most WriteSize-1 bytes remain
// buffered afterwards.
func (s *Session) pumpToGatt(data []byte) {
	s.mu.Lock()
	s.rxBuf = append(s.rxBuf, data...)
	writeSize := s.params.WriteSize
	var chunks [][]byte
	for len(s.rxBuf) >= writeSize {
		chunk := make([]byte, writeSize)
		copy(chunk, s.rxBuf[:writeSize])
		s.rxBuf = s.rxBuf[writeSize:]
		chunks = append(chunks, chunk)
	}
	writeCharPath := s.writeCharPath
	writeType := s.params.WriteType
	s.mu.Unlock()

	for _, chunk := range chunks {
		if writeCharPath == "" {
			s.transmitFailed(errw.New("gatt link down"))
			continue
		}
		options := map[string]dbus.Variant{}
		if writeType != WriteTypeDefault {
			options["type"] = dbus.MakeVariant(string(writeType))
		}
		_, err := s.bus.CallMethod(context.Background(), writeCharPath, bluez.GattCharacteristicInterface, "WriteValue", chunk, options)
		if err != nil {
			s.transmitFailed(err)
		}
	}
}

// transmitFailed reports a failed GATT write to the TCP client in JSON mode.
// Raw mode has no in-band channel, so the failure is only logged.
func (s *Session) transmitFailed(err error) {
	s.logger.Warnf("vsp transmit to %s failed: %s", s.deviceID, err)
	s.mu.Lock()
	framing := s.params.Framing
	s.mu.Unlock()
	if framing == FramingJSON {
		s.writeToClient([]byte("{\"Error\": \"Transmit failed\"}\n"))
	}
}

func (s *Session) writeToClient(data []byte) {
	s.mu.Lock()
	conn := s.client
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Warnf("writing to vsp client for %s: %s", s.deviceID, err)
	}
}

// watchCharacteristic forwards GATT notifications to the TCP client, hex
// framed in JSON mode and verbatim in raw mode.
func (s *Session) watchCharacteristic(events <-chan bluez.PropertyChange) {
	defer utils.Recover(s.logger, nil)
	defer s.workers.Done()
	for change := range events {
		if change.Interface != bluez.GattCharacteristicInterface {
			continue
		}
		variant, ok := change.Changed["Value"]
		if !ok {
			continue
		}
		payload, ok := variant.Value().([]byte)
		if !ok {
			continue
		}
		s.mu.Lock()
		framing := s.params.Framing
		s.mu.Unlock()
		if framing == FramingJSON {
			s.writeToClient([]byte(fmt.Sprintf("{\"Received\": \"0x%x\"}\n", payload)))
		} else {
			s.writeToClient(payload)
		}
	}
}

// watchDevice reacts to Device1 property changes for the life of the session.
func (s *Session) watchDevice(events <-chan bluez.PropertyChange) {
	defer utils.Recover(s.logger, nil)
	defer s.workers.Done()
	for change := range events {
		if change.Interface != bluez.DeviceInterface {
			continue
		}
		s.handleDeviceChange(change.Changed)
	}
}

func (s *Session) handleDeviceChange(changed map[string]dbus.Variant) {
	ctx := context.Background()

	if variant, ok := changed["Connected"]; ok {
		if connected, ok := variant.Value().(bool); ok {
			s.logger.Infof("vsp device %s connected: %t", s.deviceID, connected)
			s.mu.Lock()
			framing := s.params.Framing
			s.mu.Unlock()
			if framing == FramingJSON {
				s.writeToClient([]byte(fmt.Sprintf("{\"Connected\": %t}\n", connected)))
			}
		}
	}

	if variant, ok := changed["DisconnectReason"]; ok {
		reason, _ := variant.Value().(string)
		s.mu.Lock()
		unpair := s.params.AuthFailureUnpair
		adapterPath := s.adapterPath
		devicePath := s.devicePath
		s.mu.Unlock()
		if unpair && reason == "auth failure" {
			s.logger.Warnf("vsp device %s auth failure, unpairing", s.deviceID)
			if err := s.remover.RemoveDevice(ctx, adapterPath, devicePath); err != nil {
				s.logger.Warnf("unpairing %s: %s", s.deviceID, err)
			}
		}
	}

	if variant, ok := changed["ServicesResolved"]; ok {
		if resolved, ok := variant.Value().(bool); ok && resolved {
			s.mu.Lock()
			waiting := s.waitingForResolved
			s.waitingForResolved = false
			s.mu.Unlock()
			if waiting {
				s.logger.Infof("vsp device %s services resolved, reattaching", s.deviceID)
				if err := s.attachGatt(ctx); err != nil {
					s.logger.Warnf("reattaching gatt for %s: %s", s.deviceID, err)
				}
			}
		}
	}
}

// GattOnlyDisconnect drops the GATT side of the session while keeping the
// TCP listener and any attached client. Used when the controller goes away.
func (s *Session) GattOnlyDisconnect(ctx context.Context) {
	s.logger.Infof("vsp gatt-only disconnect for %s", s.deviceID)
	s.mu.Lock()
	cancelDeviceWatch := s.cancelDeviceWatch
	s.cancelDeviceWatch = nil
	s.waitingForResolved = false
	s.mu.Unlock()
	if cancelDeviceWatch != nil {
		cancelDeviceWatch()
	}
	s.detachGatt(ctx)
}

// GattOnlyReconnect re-resolves the device (its object path may have changed)
// and reattaches GATT. When service discovery is still running, reattachment
// is deferred until ServicesResolved flips true.
func (s *Session) GattOnlyReconnect(ctx context.Context) {
	devicePath, props, err := s.findDevice(ctx)
	if err != nil {
		s.logger.Errorf("vsp reconnect for %s: %s", s.deviceID, err)
		return
	}
	adapterPath, _ := bluez.AdapterOfDevice(devicePath)

	deviceEvents, cancelDeviceWatch, err := s.bus.SubscribeProperties(devicePath)
	if err != nil {
		s.logger.Errorf("vsp reconnect for %s: %s", s.deviceID, err)
		return
	}

	s.mu.Lock()
	s.devicePath = devicePath
	s.adapterPath = adapterPath
	s.cancelDeviceWatch = cancelDeviceWatch
	s.mu.Unlock()

	s.workers.Add(1)
	go s.watchDevice(deviceEvents)

	resolved, _ := props["ServicesResolved"].Value().(bool)
	if resolved {
		if err := s.attachGatt(ctx); err != nil {
			s.logger.Warnf("reattaching gatt for %s: %s", s.deviceID, err)
		}
		return
	}
	s.mu.Lock()
	s.waitingForResolved = true
	s.mu.Unlock()
	s.logger.Infof("vsp device %s services not yet resolved, deferring reattach", s.deviceID)
}

func (s *Session) findDevice(ctx context.Context) (dbus.ObjectPath, map[string]dbus.Variant, error) {
	objects, err := s.bus.ManagedObjects(ctx)
	if err != nil {
		return "", nil, errw.Wrap(err, "listing bluez objects")
	}
	for path, ifaces := range objects {
		props, ok := ifaces[bluez.DeviceInterface]
		if !ok {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if bluez.NormalizeDeviceID(addr) == s.deviceID {
			return path, props, nil
		}
	}
	return "", nil, errw.Wrapf(bluetooth.ErrNotFound, "device %s not on bus", s.deviceID)
}

// Close tears the whole session down: GATT subscription, TCP client, and
// listener. It is idempotent and safe to call from the session's own
// goroutines.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	client := s.client
	listener := s.listener
	s.client = nil
	s.listener = nil
	s.mu.Unlock()

	s.logger.Infof("closing vsp session for %s", s.deviceID)
	if s.onClosed != nil {
		s.onClosed(s)
	}
	s.GattOnlyDisconnect(ctx)
	if client != nil {
		_ = client.Close()
	}
	if listener != nil {
		_ = listener.Close()
	}
}

// Wait blocks until all session goroutines exit. Call after Close.
func (s *Session) Wait() {
	s.workers.Wait()
}
