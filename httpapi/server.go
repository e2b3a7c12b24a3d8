// Package httpapi exposes the bluetooth command and property surface over
// REST. Every response carries the SDCERR/InfoMsg envelope; HTTP status is
// 200 even for failed operations, matching what gateway hosts expect.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	dbus "github.com/godbus/dbus/v5"
	"go.viam.com/rdk/logging"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez"
)

const (
	sdcerrSuccess = 0
	sdcerrFail    = 1
)

// Server serves the bluetooth REST API.
type Server struct {
	logger  logging.Logger
	manager *bluetooth.Manager
	bus     bluez.Bus
	httpSrv *http.Server
}

// NewServer builds a server bound to addr.
func NewServer(manager *bluetooth.Manager, bus bluez.Bus, logger logging.Logger, addr string) *Server {
	s := &Server{
		logger:  logger,
		manager: manager,
		bus:     bus,
	}
	router := chi.NewRouter()
	router.Get("/bluetooth", s.handleList)
	router.Get("/bluetooth/{controller}", s.handleControllerInfo)
	router.Put("/bluetooth/{controller}", s.handleController)
	router.Put("/bluetooth/{controller}/{device}", s.handleDevice)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: time.Minute,
	}
	return s
}

// Handler returns the route tree, used directly in tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Serve blocks until the context ends or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.logger.Infof("http api listening on %s", s.httpSrv.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) writeEnvelope(w http.ResponseWriter, sdcerr int, infoMsg string, extra map[string]interface{}) {
	body := map[string]interface{}{
		"SDCERR":  sdcerr,
		"InfoMsg": infoMsg,
	}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnf("writing response: %s", err)
	}
}

func (s *Server) writeResult(w http.ResponseWriter, result bluetooth.Result) {
	if result.Succeeded() {
		s.writeEnvelope(w, sdcerrSuccess, "", result.Data)
		return
	}
	s.writeEnvelope(w, sdcerrFail, result.ErrorMessage, result.Data)
}

func decodeBody(r *http.Request) (map[string]interface{}, error) {
	body := make(map[string]interface{})
	if r.Body == nil {
		return body, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// handleList reports the friendly name to address table.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	controllers := s.manager.Registry().Addresses()
	s.writeEnvelope(w, sdcerrSuccess, "", map[string]interface{}{"Controllers": controllers})
}

// handleControllerInfo reports the live adapter state (as 0/1 flags) and the
// cached transport filter for one controller.
func (s *Server) handleControllerInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	controllerName := chi.URLParam(r, "controller")

	adapterPath, err := s.manager.Registry().Resolve(ctx, controllerName)
	if err != nil {
		s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("Controller %s not found.", controllerName), nil)
		return
	}

	info := make(map[string]interface{})
	if tf, ok := s.manager.TransportFilter(controllerName); ok {
		info["transportFilter"] = tf
	} else {
		info["transportFilter"] = nil
	}
	for _, prop := range []string{"Discovering", "Powered", "Discoverable"} {
		variant, err := s.bus.GetProperty(ctx, adapterPath, bluez.AdapterInterface, prop)
		if err != nil {
			s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("Error: %s", err), nil)
			return
		}
		flag := 0
		if b, ok := variant.Value().(bool); ok && b {
			flag = 1
		}
		info[strings.ToLower(prop[:1])+prop[1:]] = flag
	}
	s.writeEnvelope(w, sdcerrSuccess, "", map[string]interface{}{controllerName: info})
}

// handleController applies adapter properties or dispatches an adapter
// command, caching property requests for replay after a reset.
func (s *Server) handleController(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	controllerName := chi.URLParam(r, "controller")

	body, err := decodeBody(r)
	if err != nil {
		s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("Error: %s", err), nil)
		return
	}

	adapterPath, err := s.manager.Registry().Resolve(ctx, controllerName)
	if err != nil {
		s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("Controller %s not found.", controllerName), nil)
		return
	}

	if command, ok := body["command"].(string); ok {
		if !contains(s.manager.AdapterCommands(), command) {
			s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("supplied command parameter must be one of %v", s.manager.AdapterCommands()), nil)
			return
		}
		result := s.manager.ExecuteAdapterCommand(ctx, &bluetooth.AdapterCommandRequest{
			Command:        command,
			ControllerName: controllerName,
			AdapterPath:    adapterPath,
			Params:         body,
		})
		s.writeResult(w, result)
		return
	}

	// Requests are cached before application so a reset replays the intent
	// even when BlueZ rejected it this time around.
	for _, prop := range bluetooth.CachedAdapterProps {
		if value, ok := body[prop]; ok {
			s.manager.Store().SetControllerProperty(controllerName, prop, value)
		}
	}
	if err := s.manager.SetAdapterProperties(ctx, controllerName, adapterPath, body); err != nil {
		s.writeEnvelope(w, sdcerrFail, errorInfoMsg(err), nil)
		return
	}
	s.writeEnvelope(w, sdcerrSuccess, "", nil)
}

// handleDevice applies device properties or dispatches a device command.
// Commands are forwarded to plugins even when the device is not on the bus,
// so tunnels for absent devices can still be torn down.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	controllerName := chi.URLParam(r, "controller")
	deviceID := bluez.NormalizeDeviceID(chi.URLParam(r, "device"))

	body, err := decodeBody(r)
	if err != nil {
		s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("Error: %s", err), nil)
		return
	}

	adapterPath, err := s.manager.Registry().Resolve(ctx, controllerName)
	if err != nil {
		s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("Controller %s not found.", controllerName), nil)
		return
	}

	command, hasCommand := body["command"].(string)
	if hasCommand && !contains(s.manager.DeviceCommands(), command) {
		s.writeEnvelope(w, sdcerrFail, fmt.Sprintf("supplied command parameter must be one of %v", s.manager.DeviceCommands()), nil)
		return
	}

	devicePath := s.findDevice(ctx, adapterPath, deviceID)

	if hasCommand {
		result := s.manager.ExecuteDeviceCommand(ctx, &bluetooth.DeviceCommandRequest{
			Command:     command,
			DeviceID:    deviceID,
			DevicePath:  devicePath,
			AdapterPath: adapterPath,
			Params:      body,
		})
		s.writeResult(w, result)
		return
	}

	if devicePath == "" {
		s.writeEnvelope(w, sdcerrFail, "Device not found", nil)
		return
	}

	for _, prop := range bluetooth.CachedDeviceProps {
		if value, ok := body[prop]; ok {
			s.manager.Store().SetDeviceProperty(controllerName, deviceID, prop, value)
		}
	}
	if err := s.manager.SetDeviceProperties(ctx, adapterPath, devicePath, body); err != nil {
		s.writeEnvelope(w, sdcerrFail, errorInfoMsg(err), nil)
		return
	}
	s.writeEnvelope(w, sdcerrSuccess, "", nil)
}

// findDevice scans for a Device1 under the adapter with the given address.
func (s *Server) findDevice(ctx context.Context, adapterPath dbus.ObjectPath, deviceID string) dbus.ObjectPath {
	objects, err := s.bus.ManagedObjects(ctx)
	if err != nil {
		s.logger.Warnf("listing bluez objects: %s", err)
		return ""
	}
	for path, ifaces := range objects {
		props, ok := ifaces[bluez.DeviceInterface]
		if !ok || !strings.HasPrefix(string(path), string(adapterPath)+"/") {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if bluez.NormalizeDeviceID(addr) == deviceID {
			return path
		}
	}
	return ""
}

func errorInfoMsg(err error) string {
	return fmt.Sprintf("Error: %s", err)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
