package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez/bustest"
)

const (
	apiAdapterPath = dbus.ObjectPath("/org/bluez/hci0")
	apiDevicePath  = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	apiDeviceAddr  = "AA:BB:CC:DD:EE:FF"
)

func newTestServer(t *testing.T) (*Server, *bustest.Bus, *bluetooth.Manager) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	bus := bustest.New()
	bus.Seed(apiAdapterPath, bustest.AdapterProps("00:11:22:33:44:55"))
	bus.Seed(apiDevicePath, bustest.DeviceProps(apiDeviceAddr, false))
	manager := bluetooth.NewManager(bus, logger)
	test.That(t, manager.Registry().Discover(context.Background(), true), test.ShouldBeNil)
	return NewServer(manager, bus, logger, ":0"), bus, manager
}

func doPut(t *testing.T, server *Server, path string, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	payload, err := json.Marshal(body)
	test.That(t, err, test.ShouldBeNil)
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	var decoded map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &decoded), test.ShouldBeNil)
	return decoded
}

func TestListControllers(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/bluetooth", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &decoded), test.ShouldBeNil)
	test.That(t, decoded["SDCERR"], test.ShouldEqual, float64(0))
	controllers := decoded["Controllers"].(map[string]interface{})
	test.That(t, controllers["controller0"], test.ShouldEqual, "00:11:22:33:44:55")
}

func TestGetControllerInfo(t *testing.T) {
	server, bus, _ := newTestServer(t)
	bus.EmitProperties(apiAdapterPath, "org.bluez.Adapter1", map[string]dbus.Variant{
		"Powered": dbus.MakeVariant(true),
	})

	resp := doPut(t, server, "/bluetooth/controller0", map[string]interface{}{"transportFilter": "le"})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(0))

	req := httptest.NewRequest(http.MethodGet, "/bluetooth/controller0", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &decoded), test.ShouldBeNil)
	test.That(t, decoded["SDCERR"], test.ShouldEqual, float64(0))
	info := decoded["controller0"].(map[string]interface{})
	test.That(t, info["transportFilter"], test.ShouldEqual, "le")
	test.That(t, info["powered"], test.ShouldEqual, float64(1))
	test.That(t, info["discoverable"], test.ShouldEqual, float64(0))
	test.That(t, info["discovering"], test.ShouldEqual, float64(0))
}

func TestGetControllerInfoUnknown(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/bluetooth/controller9", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &decoded), test.ShouldBeNil)
	test.That(t, decoded["SDCERR"], test.ShouldEqual, float64(1))
	test.That(t, decoded["InfoMsg"], test.ShouldEqual, "Controller controller9 not found.")
}

func TestPutAdapterProperties(t *testing.T) {
	server, bus, manager := newTestServer(t)

	resp := doPut(t, server, "/bluetooth/controller0", map[string]interface{}{"powered": true})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(0))
	test.That(t, len(bus.CallsTo(apiAdapterPath, "Set:Powered")), test.ShouldEqual, 1)

	// The request is cached for replay after an adapter reset.
	test.That(t, manager.Store().ControllerProperties("controller0")["powered"], test.ShouldEqual, true)
}

func TestPutAdapterUnknownController(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := doPut(t, server, "/bluetooth/controller9", map[string]interface{}{"powered": true})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(1))
	test.That(t, resp["InfoMsg"], test.ShouldEqual, "Controller controller9 not found.")
}

func TestPutAdapterUnknownCommand(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := doPut(t, server, "/bluetooth/controller0", map[string]interface{}{"command": "warpSpeed"})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(1))
	test.That(t, resp["InfoMsg"], test.ShouldContainSubstring, "supplied command parameter must be one of")
}

func TestPutDeviceProperties(t *testing.T) {
	server, bus, manager := newTestServer(t)

	resp := doPut(t, server, "/bluetooth/controller0/AA:BB:CC:DD:EE:FF", map[string]interface{}{
		"trusted":     true,
		"autoConnect": true,
	})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(0))
	test.That(t, len(bus.CallsTo(apiDevicePath, "Set:Trusted")), test.ShouldEqual, 1)
	test.That(t, len(bus.CallsTo(apiDevicePath, "Set:AutoConnect")), test.ShouldEqual, 1)

	cached := manager.Store().DeviceProperties("controller0", apiDeviceAddr)
	test.That(t, cached["autoConnect"], test.ShouldEqual, true)
}

func TestPutDeviceUnderscoreAddress(t *testing.T) {
	server, bus, _ := newTestServer(t)

	// Addresses may arrive underscore-separated in URIs.
	resp := doPut(t, server, "/bluetooth/controller0/aa_bb_cc_dd_ee_ff", map[string]interface{}{"trusted": true})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(0))
	test.That(t, len(bus.CallsTo(apiDevicePath, "Set:Trusted")), test.ShouldEqual, 1)
}

func TestPutDeviceNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := doPut(t, server, "/bluetooth/controller0/11:22:33:44:55:66", map[string]interface{}{"trusted": true})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(1))
	test.That(t, resp["InfoMsg"], test.ShouldEqual, "Device not found")
}

func TestPutDeviceCommandDispatch(t *testing.T) {
	server, _, manager := newTestServer(t)
	plugin := &claimAllPlugin{}
	manager.RegisterPlugin(plugin)

	resp := doPut(t, server, "/bluetooth/controller0/AA:BB:CC:DD:EE:FF", map[string]interface{}{
		"command": "gattConnect",
		"tcpPort": 4321,
	})
	test.That(t, resp["SDCERR"], test.ShouldEqual, float64(0))
	test.That(t, plugin.lastDevice, test.ShouldEqual, apiDeviceAddr)
	test.That(t, plugin.lastPath, test.ShouldEqual, apiDevicePath)
}

type claimAllPlugin struct {
	bluetooth.UnimplementedPlugin
	lastDevice string
	lastPath   dbus.ObjectPath
}

func (p *claimAllPlugin) DeviceCommands() []string { return []string{"gattConnect"} }

func (p *claimAllPlugin) ProcessDeviceCommand(ctx context.Context, req *bluetooth.DeviceCommandRequest) (bool, error) {
	p.lastDevice = req.DeviceID
	p.lastPath = req.DevicePath
	return true, nil
}
