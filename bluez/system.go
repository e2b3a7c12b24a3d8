package bluez

import (
	"context"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const signalBufferSize = 64

type propSubscriber struct {
	path dbus.ObjectPath
	ch   chan PropertyChange
}

// SystemBus implements Bus over a godbus system-bus connection. A single
// dispatch goroutine fans incoming signals out to subscribers, so events for
// one object are observed in the order the daemon emitted them.
type SystemBus struct {
	conn   *dbus.Conn
	logger logging.Logger

	mu         sync.Mutex
	nextSubID  int
	objectSubs map[int]chan ObjectChange
	propSubs   map[int]propSubscriber
	closed     bool
}

// NewSystemBus connects to the system D-Bus and verifies the BlueZ service is
// reachable by asking the default adapter for its address. A missing adapter
// is not fatal; adapters may be hotplugged later.
func NewSystemBus(logger logging.Logger) (*SystemBus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errw.Wrap(err, "connecting to system DBus")
	}

	b := &SystemBus{
		conn:       conn,
		logger:     logger,
		objectSubs: make(map[int]chan ObjectChange),
		propSubs:   make(map[int]propSubscriber),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(ServiceName),
		dbus.WithMatchInterface(ObjectManagerInterface),
	); err != nil {
		return nil, errw.Wrap(err, "matching ObjectManager signals")
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(ServiceName),
		dbus.WithMatchInterface(PropertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, errw.Wrap(err, "matching Properties signals")
	}

	sigChan := make(chan *dbus.Signal, signalBufferSize)
	conn.Signal(sigChan)
	go b.dispatch(sigChan)

	if _, err := conn.Object(ServiceName, dbus.ObjectPath("/org/bluez/hci0")).GetProperty(AdapterInterface + ".Address"); err != nil {
		logger.Warnf("bluetooth adapter hci0 not available yet: %v", err)
	}

	return b, nil
}

// Close tears down the connection. Subscriber channels are closed by the
// dispatch goroutine when the signal stream ends.
func (b *SystemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}

func (b *SystemBus) dispatch(sigChan chan *dbus.Signal) {
	for sig := range sigChan {
		switch sig.Name {
		case ObjectManagerInterface + ".InterfacesAdded":
			if len(sig.Body) < 2 {
				continue
			}
			path, ok := sig.Body[0].(dbus.ObjectPath)
			if !ok {
				continue
			}
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			b.fanOutObject(ObjectChange{Added: true, Path: path, Interfaces: ifaces})
		case ObjectManagerInterface + ".InterfacesRemoved":
			if len(sig.Body) < 1 {
				continue
			}
			path, ok := sig.Body[0].(dbus.ObjectPath)
			if !ok {
				continue
			}
			b.fanOutObject(ObjectChange{Added: false, Path: path})
		case PropertiesInterface + ".PropertiesChanged":
			if len(sig.Body) < 2 {
				continue
			}
			iface, ok := sig.Body[0].(string)
			if !ok {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			b.fanOutProps(PropertyChange{Path: sig.Path, Interface: iface, Changed: changed})
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.objectSubs {
		close(ch)
		delete(b.objectSubs, id)
	}
	for id, sub := range b.propSubs {
		close(sub.ch)
		delete(b.propSubs, id)
	}
}

func (b *SystemBus) fanOutObject(change ObjectChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.objectSubs {
		select {
		case ch <- change:
		default:
			b.logger.Warnf("dropping object change for %s, subscriber not keeping up", change.Path)
		}
	}
}

func (b *SystemBus) fanOutProps(change PropertyChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.propSubs {
		if sub.path != change.Path {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			b.logger.Warnf("dropping property change for %s, subscriber not keeping up", change.Path)
		}
	}
}

func (b *SystemBus) ManagedObjects(ctx context.Context) (ObjectMap, error) {
	var objects ObjectMap
	obj := b.conn.Object(ServiceName, dbus.ObjectPath("/"))
	if err := obj.CallWithContext(ctx, ObjectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, errw.Wrap(err, "getting managed objects")
	}
	return objects, nil
}

func (b *SystemBus) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var value dbus.Variant
	obj := b.conn.Object(ServiceName, path)
	if err := obj.CallWithContext(ctx, PropertiesInterface+".Get", 0, iface, prop).Store(&value); err != nil {
		return dbus.Variant{}, errw.Wrapf(err, "getting %s.%s on %s", iface, prop, path)
	}
	return value, nil
}

func (b *SystemBus) SetProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string, value dbus.Variant) error {
	obj := b.conn.Object(ServiceName, path)
	if err := obj.CallWithContext(ctx, PropertiesInterface+".Set", 0, iface, prop, value).Err; err != nil {
		return errw.Wrapf(err, "setting %s.%s on %s", iface, prop, path)
	}
	return nil
}

func (b *SystemBus) CallMethod(
	ctx context.Context, path dbus.ObjectPath, iface, method string, args ...interface{},
) ([]interface{}, error) {
	obj := b.conn.Object(ServiceName, path)
	call := obj.CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, errw.Wrapf(call.Err, "calling %s.%s on %s", iface, method, path)
	}
	return call.Body, nil
}

func (b *SystemBus) SubscribeObjectChanges() (<-chan ObjectChange, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errw.New("bus is closed")
	}
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan ObjectChange, signalBufferSize)
	b.objectSubs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.objectSubs[id]; ok {
			close(sub)
			delete(b.objectSubs, id)
		}
	}
	return ch, cancel, nil
}

func (b *SystemBus) SubscribeProperties(path dbus.ObjectPath) (<-chan PropertyChange, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errw.New("bus is closed")
	}
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan PropertyChange, signalBufferSize)
	b.propSubs[id] = propSubscriber{path: path, ch: ch}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.propSubs[id]; ok {
			close(sub.ch)
			delete(b.propSubs, id)
		}
	}
	return ch, cancel, nil
}
