package vsp

import (
	"context"
	"errors"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez/bustest"
)

func newTestPlugin(t *testing.T, bus *bustest.Bus) (*Plugin, *stubRemover) {
	t.Helper()
	remover := &stubRemover{}
	plugin := NewPlugin(bus, remover, logging.NewTestLogger(t))
	t.Cleanup(func() { plugin.Shutdown(context.Background()) })
	return plugin, remover
}

func connectRequest(t *testing.T) *bluetooth.DeviceCommandRequest {
	t.Helper()
	raw := validParams()
	raw["tcpPort"] = float64(freePort(t))
	return &bluetooth.DeviceCommandRequest{
		Command:     "gattConnect",
		DeviceID:    vspDeviceAddr,
		DevicePath:  vspDevicePath,
		AdapterPath: vspAdapterPath,
		Params:      raw,
	}
}

func TestPluginGattConnectAndList(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	seedVSPDevice(bus, true)
	plugin, _ := newTestPlugin(t, bus)

	req := connectRequest(t)
	claimed, err := plugin.ProcessDeviceCommand(ctx, req)
	test.That(t, claimed, test.ShouldBeTrue)
	test.That(t, err, test.ShouldBeNil)

	claimed, data, err := plugin.ProcessAdapterCommand(ctx, &bluetooth.AdapterCommandRequest{Command: "gattList"})
	test.That(t, claimed, test.ShouldBeTrue)
	test.That(t, err, test.ShouldBeNil)
	conns, ok := data["GattConnections"].([]map[string]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, len(conns), test.ShouldEqual, 1)
	test.That(t, conns[0]["device"], test.ShouldEqual, vspDeviceAddr)
	test.That(t, conns[0]["port"], test.ShouldEqual, int(req.Params["tcpPort"].(float64)))
}

func TestPluginGattConnectDuplicate(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	seedVSPDevice(bus, true)
	plugin, _ := newTestPlugin(t, bus)

	req := connectRequest(t)
	_, err := plugin.ProcessDeviceCommand(ctx, req)
	test.That(t, err, test.ShouldBeNil)

	_, err = plugin.ProcessDeviceCommand(ctx, connectRequest(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, bluetooth.ErrAlreadyExists), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already has a vsp connection")
}

func TestPluginGattConnectBadParams(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	seedVSPDevice(bus, true)
	plugin, _ := newTestPlugin(t, bus)

	req := connectRequest(t)
	delete(req.Params, "vspSvcUuid")
	claimed, err := plugin.ProcessDeviceCommand(ctx, req)
	test.That(t, claimed, test.ShouldBeTrue)
	test.That(t, errors.Is(err, bluetooth.ErrInvalidParameter), test.ShouldBeTrue)

	// A failed connect leaves no half-open session behind.
	_, data, err := plugin.ProcessAdapterCommand(ctx, &bluetooth.AdapterCommandRequest{Command: "gattList"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(data["GattConnections"].([]map[string]interface{})), test.ShouldEqual, 0)
}

func TestPluginGattDisconnect(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	seedVSPDevice(bus, true)
	plugin, _ := newTestPlugin(t, bus)

	_, err := plugin.ProcessDeviceCommand(ctx, connectRequest(t))
	test.That(t, err, test.ShouldBeNil)

	_, err = plugin.ProcessDeviceCommand(ctx, &bluetooth.DeviceCommandRequest{
		Command:  "gattDisconnect",
		DeviceID: vspDeviceAddr,
	})
	test.That(t, err, test.ShouldBeNil)

	_, err = plugin.ProcessDeviceCommand(ctx, &bluetooth.DeviceCommandRequest{
		Command:  "gattDisconnect",
		DeviceID: vspDeviceAddr,
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, bluetooth.ErrNotFound), test.ShouldBeTrue)
}

func TestPluginDeviceRemovedClosesSession(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	seedVSPDevice(bus, true)
	plugin, _ := newTestPlugin(t, bus)

	_, err := plugin.ProcessDeviceCommand(ctx, connectRequest(t))
	test.That(t, err, test.ShouldBeNil)

	plugin.DeviceRemovedNotify(ctx, vspDeviceAddr)

	_, data, err := plugin.ProcessAdapterCommand(ctx, &bluetooth.AdapterCommandRequest{Command: "gattList"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(data["GattConnections"].([]map[string]interface{})), test.ShouldEqual, 0)
}

func TestPluginUnknownCommandUnclaimed(t *testing.T) {
	ctx := context.Background()
	plugin, _ := newTestPlugin(t, bustest.New())

	claimed, err := plugin.ProcessDeviceCommand(ctx, &bluetooth.DeviceCommandRequest{Command: "hidConnect"})
	test.That(t, claimed, test.ShouldBeFalse)
	test.That(t, err, test.ShouldBeNil)

	claimed, _, err = plugin.ProcessAdapterCommand(ctx, &bluetooth.AdapterCommandRequest{Command: "hidList"})
	test.That(t, claimed, test.ShouldBeFalse)
	test.That(t, err, test.ShouldBeNil)
}

func TestPluginControllerRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	seedVSPDevice(bus, true)
	plugin, _ := newTestPlugin(t, bus)

	_, err := plugin.ProcessDeviceCommand(ctx, connectRequest(t))
	test.That(t, err, test.ShouldBeNil)

	plugin.ControllerRemovedNotify(ctx, "controller0")
	test.That(t, len(bus.CallsTo(vspReadCharPath, "StopNotify")), test.ShouldEqual, 1)

	plugin.DeviceAddedNotify(ctx, vspDeviceAddr, vspDevicePath)
	test.That(t, len(bus.CallsTo(vspReadCharPath, "StartNotify")), test.ShouldEqual, 2)
}
