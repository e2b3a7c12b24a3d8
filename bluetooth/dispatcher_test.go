package bluetooth

import (
	"context"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/edgelinkio/btagent/bluez/bustest"
)

type stubPlugin struct {
	UnimplementedPlugin
	deviceCmds  []string
	adapterCmds []string
	claim       bool
	err         error
	data        map[string]interface{}
	calls       []string
}

func (p *stubPlugin) DeviceCommands() []string  { return p.deviceCmds }
func (p *stubPlugin) AdapterCommands() []string { return p.adapterCmds }

func (p *stubPlugin) ProcessDeviceCommand(ctx context.Context, req *DeviceCommandRequest) (bool, error) {
	p.calls = append(p.calls, req.Command)
	return p.claim, p.err
}

func (p *stubPlugin) ProcessAdapterCommand(ctx context.Context, req *AdapterCommandRequest) (bool, map[string]interface{}, error) {
	p.calls = append(p.calls, req.Command)
	return p.claim, p.data, p.err
}

func TestDispatchFirstClaimWins(t *testing.T) {
	ctx := context.Background()
	m := NewManager(bustest.New(), logging.NewTestLogger(t))
	first := &stubPlugin{claim: true}
	second := &stubPlugin{claim: true}
	m.RegisterPlugin(first)
	m.RegisterPlugin(second)

	result := m.ExecuteDeviceCommand(ctx, &DeviceCommandRequest{Command: "gattConnect"})
	test.That(t, result.Succeeded(), test.ShouldBeTrue)
	test.That(t, first.calls, test.ShouldResemble, []string{"gattConnect"})
	test.That(t, second.calls, test.ShouldBeNil)
}

func TestDispatchErrorHalts(t *testing.T) {
	ctx := context.Background()
	m := NewManager(bustest.New(), logging.NewTestLogger(t))
	failing := &stubPlugin{err: errw.New("device busy")}
	next := &stubPlugin{claim: true}
	m.RegisterPlugin(failing)
	m.RegisterPlugin(next)

	result := m.ExecuteDeviceCommand(ctx, &DeviceCommandRequest{Command: "gattConnect"})
	test.That(t, result.Processed, test.ShouldBeTrue)
	test.That(t, result.ErrorMessage, test.ShouldEqual, "device busy")
	test.That(t, next.calls, test.ShouldBeNil)
}

func TestDispatchUnrecognized(t *testing.T) {
	ctx := context.Background()
	m := NewManager(bustest.New(), logging.NewTestLogger(t))
	m.RegisterPlugin(&stubPlugin{})

	result := m.ExecuteDeviceCommand(ctx, &DeviceCommandRequest{Command: "frobnicate"})
	test.That(t, result.Processed, test.ShouldBeFalse)
	test.That(t, result.ErrorMessage, test.ShouldEqual, "Unrecognized command frobnicate")

	result = m.ExecuteAdapterCommand(ctx, &AdapterCommandRequest{Command: "frobnicate"})
	test.That(t, result.ErrorMessage, test.ShouldEqual, "Unrecognized command frobnicate")
}

func TestDispatchAdapterData(t *testing.T) {
	ctx := context.Background()
	m := NewManager(bustest.New(), logging.NewTestLogger(t))
	m.RegisterPlugin(&stubPlugin{claim: true, data: map[string]interface{}{"GattConnections": []interface{}{}}})

	result := m.ExecuteAdapterCommand(ctx, &AdapterCommandRequest{Command: "gattList"})
	test.That(t, result.Succeeded(), test.ShouldBeTrue)
	test.That(t, result.Data, test.ShouldContainKey, "GattConnections")
}

func TestCommandLists(t *testing.T) {
	m := NewManager(bustest.New(), logging.NewTestLogger(t))
	m.RegisterPlugin(&stubPlugin{deviceCmds: []string{"gattConnect"}, adapterCmds: []string{"gattList"}})

	test.That(t, m.DeviceCommands(), test.ShouldResemble, []string{"getConnInfo", "gattConnect"})
	test.That(t, m.AdapterCommands(), test.ShouldResemble, []string{"gattList"})
}

func TestGetConnInfo(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	devicePath := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	bus.SetCallBody(devicePath, "GetConnInfo", []interface{}{int16(-42), int16(4), int16(10)})
	m := NewManager(bus, logging.NewTestLogger(t))

	result := m.ExecuteDeviceCommand(ctx, &DeviceCommandRequest{Command: "getConnInfo", DevicePath: devicePath})
	test.That(t, result.Succeeded(), test.ShouldBeTrue)
	test.That(t, result.Data["rssi"], test.ShouldEqual, int16(-42))
	test.That(t, result.Data["tx_power"], test.ShouldEqual, int16(4))
	test.That(t, result.Data["max_tx_power"], test.ShouldEqual, int16(10))
}

func TestGetConnInfoFailure(t *testing.T) {
	ctx := context.Background()
	bus := bustest.New()
	devicePath := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	bus.SetCallError(devicePath, "GetConnInfo", errw.New("not connected"))
	m := NewManager(bus, logging.NewTestLogger(t))

	result := m.ExecuteDeviceCommand(ctx, &DeviceCommandRequest{Command: "getConnInfo", DevicePath: devicePath})
	test.That(t, result.Processed, test.ShouldBeTrue)
	test.That(t, result.ErrorMessage, test.ShouldEqual, "Unable to get connection info")
}
