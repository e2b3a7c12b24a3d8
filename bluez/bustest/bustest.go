// Package bustest provides an in-memory bluez.Bus for tests. The object tree,
// method call results, and signal fan-out are all scriptable, so packages
// above the bus layer can be tested without a system D-Bus or real hardware.
package bustest

import (
	"context"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"

	"github.com/edgelinkio/btagent/bluez"
)

// Call records one method invocation.
type Call struct {
	Path   dbus.ObjectPath
	Iface  string
	Method string
	Args   []interface{}
}

type propSub struct {
	path dbus.ObjectPath
	ch   chan bluez.PropertyChange
}

// Bus implements bluez.Bus in memory.
type Bus struct {
	mu         sync.Mutex
	objects    bluez.ObjectMap
	calls      []Call
	callErrs   map[string]error
	callBodies map[string][]interface{}
	nextSub    int
	objectSubs map[int]chan bluez.ObjectChange
	propSubs   map[int]propSub
}

// New returns an empty fake bus.
func New() *Bus {
	return &Bus{
		objects:    make(bluez.ObjectMap),
		callErrs:   make(map[string]error),
		callBodies: make(map[string][]interface{}),
		objectSubs: make(map[int]chan bluez.ObjectChange),
		propSubs:   make(map[int]propSub),
	}
}

func callKey(path dbus.ObjectPath, method string) string {
	return string(path) + "#" + method
}

// Seed inserts or extends an object without emitting signals. Use it to set
// up the tree that exists before the code under test starts watching.
func (b *Bus) Seed(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seedLocked(path, ifaces)
}

func (b *Bus) seedLocked(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	obj, ok := b.objects[path]
	if !ok {
		obj = make(map[string]map[string]dbus.Variant)
		b.objects[path] = obj
	}
	for iface, props := range ifaces {
		existing, ok := obj[iface]
		if !ok {
			existing = make(map[string]dbus.Variant, len(props))
			obj[iface] = existing
		}
		for k, v := range props {
			existing[k] = v
		}
	}
}

// AddObject inserts an object and emits an InterfacesAdded change.
func (b *Bus) AddObject(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	b.mu.Lock()
	b.seedLocked(path, ifaces)
	subs := b.objectSubsLocked()
	b.mu.Unlock()
	change := bluez.ObjectChange{Added: true, Path: path, Interfaces: ifaces}
	for _, ch := range subs {
		ch <- change
	}
}

// RemoveObject deletes an object and emits an InterfacesRemoved change.
func (b *Bus) RemoveObject(path dbus.ObjectPath) {
	b.mu.Lock()
	delete(b.objects, path)
	subs := b.objectSubsLocked()
	b.mu.Unlock()
	change := bluez.ObjectChange{Added: false, Path: path}
	for _, ch := range subs {
		ch <- change
	}
}

func (b *Bus) objectSubsLocked() []chan bluez.ObjectChange {
	subs := make([]chan bluez.ObjectChange, 0, len(b.objectSubs))
	for _, ch := range b.objectSubs {
		subs = append(subs, ch)
	}
	return subs
}

// EmitProperties updates stored properties and pushes a PropertiesChanged to
// subscribers watching the path.
func (b *Bus) EmitProperties(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	b.mu.Lock()
	b.seedLocked(path, map[string]map[string]dbus.Variant{iface: changed})
	var subs []chan bluez.PropertyChange
	for _, sub := range b.propSubs {
		if sub.path == path {
			subs = append(subs, sub.ch)
		}
	}
	b.mu.Unlock()
	change := bluez.PropertyChange{Path: path, Interface: iface, Changed: changed}
	for _, ch := range subs {
		ch <- change
	}
}

// SetCallError makes a method on a path fail.
func (b *Bus) SetCallError(path dbus.ObjectPath, method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErrs[callKey(path, method)] = err
}

// SetCallBody sets the reply body for a method on a path.
func (b *Bus) SetCallBody(path dbus.ObjectPath, method string, body []interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callBodies[callKey(path, method)] = body
}

// Calls returns every recorded method call, oldest first.
func (b *Bus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo filters recorded calls by path and method.
func (b *Bus) CallsTo(path dbus.ObjectPath, method string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Path == path && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Writes returns the payload of each WriteValue call to a characteristic.
func (b *Bus) Writes(path dbus.ObjectPath) [][]byte {
	var out [][]byte
	for _, c := range b.CallsTo(path, "WriteValue") {
		if len(c.Args) > 0 {
			if payload, ok := c.Args[0].([]byte); ok {
				out = append(out, payload)
			}
		}
	}
	return out
}

// ManagedObjects implements bluez.Bus.
func (b *Bus) ManagedObjects(ctx context.Context) (bluez.ObjectMap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(bluez.ObjectMap, len(b.objects))
	for path, ifaces := range b.objects {
		cp := make(map[string]map[string]dbus.Variant, len(ifaces))
		for iface, props := range ifaces {
			pp := make(map[string]dbus.Variant, len(props))
			for k, v := range props {
				pp[k] = v
			}
			cp[iface] = pp
		}
		out[path] = cp
	}
	return out, nil
}

// GetProperty implements bluez.Bus.
func (b *Bus) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props, ok := b.objects[path][iface]
	if !ok {
		return dbus.Variant{}, errw.Errorf("no interface %s at %s", iface, path)
	}
	v, ok := props[prop]
	if !ok {
		return dbus.Variant{}, errw.Errorf("no property %s.%s at %s", iface, prop, path)
	}
	return v, nil
}

// SetProperty implements bluez.Bus. Sets are also recorded as calls with
// method "Set:<prop>" so tests can assert on them.
func (b *Bus) SetProperty(ctx context.Context, path dbus.ObjectPath, iface, prop string, value dbus.Variant) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := callKey(path, "Set:"+prop)
	b.calls = append(b.calls, Call{Path: path, Iface: iface, Method: "Set:" + prop, Args: []interface{}{value.Value()}})
	if err, ok := b.callErrs[key]; ok {
		return err
	}
	b.seedLocked(path, map[string]map[string]dbus.Variant{iface: {prop: value}})
	return nil
}

// CallMethod implements bluez.Bus.
func (b *Bus) CallMethod(ctx context.Context, path dbus.ObjectPath, iface, method string, args ...interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Path: path, Iface: iface, Method: method, Args: args})
	key := callKey(path, method)
	if err, ok := b.callErrs[key]; ok {
		return nil, err
	}
	return b.callBodies[key], nil
}

// SubscribeObjectChanges implements bluez.Bus.
func (b *Bus) SubscribeObjectChanges() (<-chan bluez.ObjectChange, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan bluez.ObjectChange, 64)
	b.objectSubs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.objectSubs[id]; ok {
			delete(b.objectSubs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// SubscribeProperties implements bluez.Bus.
func (b *Bus) SubscribeProperties(path dbus.ObjectPath) (<-chan bluez.PropertyChange, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan bluez.PropertyChange, 64)
	b.propSubs[id] = propSub{path: path, ch: ch}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.propSubs[id]; ok {
			delete(b.propSubs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// AdapterProps builds a minimal Adapter1 property set.
func AdapterProps(address string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluez.AdapterInterface: {
			"Address":      dbus.MakeVariant(address),
			"Powered":      dbus.MakeVariant(false),
			"Discoverable": dbus.MakeVariant(false),
			"Discovering":  dbus.MakeVariant(false),
		},
		bluez.GattManagerInterface: {},
	}
}

// DeviceProps builds a minimal Device1 property set.
func DeviceProps(address string, connected bool) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluez.DeviceInterface: {
			"Address":   dbus.MakeVariant(address),
			"Connected": dbus.MakeVariant(connected),
			"Paired":    dbus.MakeVariant(false),
		},
	}
}

var _ bluez.Bus = (*Bus)(nil)
