package bluetooth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluez"
)

// Registry maps friendly controller names to hardware addresses. Names bind
// to the radio itself, so they survive BlueZ restarts and USB re-enumeration
// even when the bus path (hci0, hci1, ...) changes. Paths are resolved on
// demand; the last path each name was seen at is memoized so a controller
// can still be named after it vanishes from the bus.
type Registry struct {
	bus    bluez.Bus
	logger logging.Logger

	mu        sync.Mutex
	addresses map[string]string
	lastPaths map[dbus.ObjectPath]string
}

// NewRegistry returns an empty registry backed by the given bus.
func NewRegistry(bus bluez.Bus, logger logging.Logger) *Registry {
	return &Registry{
		bus:       bus,
		logger:    logger,
		addresses: make(map[string]string),
		lastPaths: make(map[dbus.ObjectPath]string),
	}
}

// Discover scans the BlueZ object tree and assigns a friendly name to every
// adapter not yet known. With renumber set, names are controller0..N in path
// order; otherwise each name is derived from the bus path (hci0 becomes
// controller0) so it matches the kernel's numbering. An adapter whose
// hardware address is already registered keeps its existing name.
func (r *Registry) Discover(ctx context.Context, renumber bool) error {
	objects, err := r.bus.ManagedObjects(ctx)
	if err != nil {
		return errw.Wrap(err, "listing bluez objects")
	}

	paths := make([]string, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[bluez.GattManagerInterface]; ok && bluez.IsAdapterPath(path) {
			paths = append(paths, string(path))
		}
	}
	sort.Strings(paths)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, path := range paths {
		adapterProps := objects[dbus.ObjectPath(path)][bluez.AdapterInterface]
		addr, ok := variantString(adapterProps["Address"])
		if !ok {
			r.logger.Warnf("adapter %s has no address, skipping", path)
			continue
		}
		addr = strings.ToUpper(addr)
		if name := r.nameForLocked(addr); name != "" {
			r.logger.Debugf("adapter %s already registered as %s", addr, name)
			r.lastPaths[dbus.ObjectPath(path)] = name
			continue
		}
		var name string
		if renumber {
			name = fmt.Sprintf("controller%d", len(r.addresses))
		} else {
			name = bluez.ControllerPrettyName(path)
		}
		r.addresses[name] = addr
		r.lastPaths[dbus.ObjectPath(path)] = name
		r.logger.Infof("registered %s (%s) at %s", name, addr, path)
	}
	return nil
}

func (r *Registry) nameForLocked(addr string) string {
	for name, a := range r.addresses {
		if a == addr {
			return name
		}
	}
	return ""
}

// Resolve returns the current object path for a friendly controller name.
// It fails when the name is unknown or no adapter with the registered
// hardware address is presently on the bus.
func (r *Registry) Resolve(ctx context.Context, controllerName string) (dbus.ObjectPath, error) {
	r.mu.Lock()
	addr, ok := r.addresses[controllerName]
	r.mu.Unlock()
	if !ok {
		return "", errw.Wrapf(ErrNotFound, "controller %s", controllerName)
	}

	objects, err := r.bus.ManagedObjects(ctx)
	if err != nil {
		return "", errw.Wrap(err, "listing bluez objects")
	}
	for path, ifaces := range objects {
		adapterProps, ok := ifaces[bluez.AdapterInterface]
		if !ok {
			continue
		}
		if a, ok := variantString(adapterProps["Address"]); ok && strings.EqualFold(a, addr) {
			r.mu.Lock()
			r.lastPaths[path] = controllerName
			r.mu.Unlock()
			return path, nil
		}
	}
	return "", errw.Wrapf(ErrNotFound, "controller %s (%s) not on bus", controllerName, addr)
}

// ReverseResolve returns the friendly name for an adapter path, or "" when
// the adapter is unregistered or unreadable.
func (r *Registry) ReverseResolve(ctx context.Context, adapterPath dbus.ObjectPath) string {
	variant, err := r.bus.GetProperty(ctx, adapterPath, bluez.AdapterInterface, "Address")
	if err != nil {
		r.logger.Warnf("reading address of %s: %s", adapterPath, err)
		return ""
	}
	addr, ok := variantString(variant)
	if !ok {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.nameForLocked(strings.ToUpper(addr))
	if name != "" {
		r.lastPaths[adapterPath] = name
	}
	return name
}

// LastKnownName returns the friendly name most recently seen at an adapter
// path. The adapter may already be gone from the bus, so only the memo is
// consulted; paths never registered fall back to the path-derived name.
func (r *Registry) LastKnownName(adapterPath dbus.ObjectPath) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.lastPaths[adapterPath]; ok {
		return name
	}
	return bluez.ControllerPrettyName(string(adapterPath))
}

// Addresses returns a copy of the name to hardware address table.
func (r *Registry) Addresses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.addresses))
	for name, addr := range r.addresses {
		out[name] = addr
	}
	return out
}

func variantString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}
