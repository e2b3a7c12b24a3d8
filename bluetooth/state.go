package bluetooth

import "sync"

// StateStore remembers the last requested (not observed) properties for each
// controller and device, keyed by friendly controller name and normalized
// device address. The recovery monitor replays these after a BlueZ restart or
// adapter reset. Entries are created on first write and never expire; the set
// of controllers and paired devices on a gateway is small.
type StateStore struct {
	mu          sync.Mutex
	controllers map[string]*controllerState
	pending     map[string]struct{}
}

type controllerState struct {
	properties map[string]interface{}
	devices    map[string]map[string]interface{}
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		controllers: make(map[string]*controllerState),
		pending:     make(map[string]struct{}),
	}
}

func (s *StateStore) controller(name string) *controllerState {
	cs, ok := s.controllers[name]
	if !ok {
		cs = &controllerState{
			properties: make(map[string]interface{}),
			devices:    make(map[string]map[string]interface{}),
		}
		s.controllers[name] = cs
	}
	return cs
}

// SetControllerProperty records a desired adapter property, overwriting any
// earlier value for the same key.
func (s *StateStore) SetControllerProperty(controllerName, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controller(controllerName).properties[key] = value
}

// ControllerProperties returns a copy of the desired properties for a
// controller. The copy may be empty but is never nil.
func (s *StateStore) ControllerProperties(controllerName string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	props := make(map[string]interface{})
	for k, v := range s.controller(controllerName).properties {
		props[k] = v
	}
	return props
}

// SetDeviceProperty records a desired device property under a controller.
func (s *StateStore) SetDeviceProperty(controllerName, deviceID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.controller(controllerName)
	dp, ok := cs.devices[deviceID]
	if !ok {
		dp = make(map[string]interface{})
		cs.devices[deviceID] = dp
	}
	dp[key] = value
}

// DeviceProperties returns a copy of the desired properties for a device.
func (s *StateStore) DeviceProperties(controllerName, deviceID string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	props := make(map[string]interface{})
	for k, v := range s.controller(controllerName).devices[deviceID] {
		props[k] = v
	}
	return props
}

// DeviceIDs lists the devices tracked under a controller.
func (s *StateStore) DeviceIDs(controllerName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.controller(controllerName).devices))
	for id := range s.controller(controllerName).devices {
		ids = append(ids, id)
	}
	return ids
}

// MarkPendingRestore flags a device so the next InterfacesAdded for it
// triggers a single property replay.
func (s *StateStore) MarkPendingRestore(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[deviceID] = struct{}{}
}

// ClearPendingRestore consumes the pending flag, reporting whether it was set.
func (s *StateStore) ClearPendingRestore(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[deviceID]
	delete(s.pending, deviceID)
	return ok
}
