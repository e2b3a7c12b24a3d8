package bluetooth

import (
	"context"
	"errors"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/edgelinkio/btagent/bluez/bustest"
)

func TestSetAdapterPropertiesPowerOffSkipsDiscovery(t *testing.T) {
	ctx := context.Background()
	m, bus, _ := newTestManager(t)

	props := map[string]interface{}{"powered": false, "discoverable": false, "discovering": false}
	test.That(t, m.SetAdapterProperties(ctx, "controller0", testAdapterPath, props), test.ShouldBeNil)

	test.That(t, len(bus.CallsTo(testAdapterPath, "Set:Powered")), test.ShouldEqual, 1)
	test.That(t, bus.CallsTo(testAdapterPath, "Set:Discoverable"), test.ShouldBeNil)
	test.That(t, bus.CallsTo(testAdapterPath, "StopDiscovery"), test.ShouldBeNil)

	m2, bus2, _ := newTestManager(t)
	props = map[string]interface{}{"powered": true, "discoverable": true, "discovering": true}
	test.That(t, m2.SetAdapterProperties(ctx, "controller0", testAdapterPath, props), test.ShouldBeNil)
	test.That(t, len(bus2.CallsTo(testAdapterPath, "Set:Discoverable")), test.ShouldEqual, 1)
	test.That(t, len(bus2.CallsTo(testAdapterPath, "StartDiscovery")), test.ShouldEqual, 1)
}

func TestSetAdapterPropertiesDiscoveringNoop(t *testing.T) {
	ctx := context.Background()
	m, bus, _ := newTestManager(t)
	bus.EmitProperties(testAdapterPath, "org.bluez.Adapter1", map[string]dbus.Variant{
		"Discovering": dbus.MakeVariant(true),
	})

	props := map[string]interface{}{"discovering": true}
	test.That(t, m.SetAdapterProperties(ctx, "controller0", testAdapterPath, props), test.ShouldBeNil)
	test.That(t, bus.CallsTo(testAdapterPath, "StartDiscovery"), test.ShouldBeNil)
}

func TestSetAdapterTransportFilterRejected(t *testing.T) {
	ctx := context.Background()
	m, bus, _ := newTestManager(t)
	bus.SetCallError(testAdapterPath, "SetDiscoveryFilter", errw.New("org.bluez.Error.InvalidArguments"))

	err := m.SetAdapterProperties(ctx, "controller0", testAdapterPath, map[string]interface{}{"transportFilter": "bogus"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInvalidParameter), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Transport filter bogus not accepted")

	// Rejected filters are not cached for replay.
	_, cached := m.TransportFilter("controller0")
	test.That(t, cached, test.ShouldBeFalse)
}

func TestSetAdapterTransportFilterAccepted(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	err := m.SetAdapterProperties(ctx, "controller0", testAdapterPath, map[string]interface{}{"transportFilter": "le"})
	test.That(t, err, test.ShouldBeNil)
	tf, cached := m.TransportFilter("controller0")
	test.That(t, cached, test.ShouldBeTrue)
	test.That(t, tf, test.ShouldEqual, "le")
}

func TestSetDevicePropertiesPairAndConnect(t *testing.T) {
	ctx := context.Background()
	m, bus, _ := newTestManager(t)
	bus.Seed(testDevicePath, bustest.DeviceProps(testDeviceAddr, false))

	props := map[string]interface{}{"trusted": true, "paired": 1, "connected": 1}
	test.That(t, m.SetDeviceProperties(ctx, testAdapterPath, testDevicePath, props), test.ShouldBeNil)

	test.That(t, len(bus.CallsTo(testDevicePath, "Set:Trusted")), test.ShouldEqual, 1)
	test.That(t, len(bus.CallsTo(testDevicePath, "Pair")), test.ShouldEqual, 1)
	test.That(t, len(bus.CallsTo(testDevicePath, "Connect")), test.ShouldEqual, 1)
}

func TestSetDevicePropertiesConnectedNoop(t *testing.T) {
	ctx := context.Background()
	m, bus, _ := newTestManager(t)
	bus.Seed(testDevicePath, bustest.DeviceProps(testDeviceAddr, true))

	props := map[string]interface{}{"connected": 1}
	test.That(t, m.SetDeviceProperties(ctx, testAdapterPath, testDevicePath, props), test.ShouldBeNil)
	test.That(t, bus.CallsTo(testDevicePath, "Connect"), test.ShouldBeNil)
}

func TestSetDevicePropertiesUnpair(t *testing.T) {
	ctx := context.Background()
	m, bus, plugin := newTestManager(t)
	bus.Seed(testDevicePath, bustest.DeviceProps(testDeviceAddr, true))

	props := map[string]interface{}{"paired": 0, "connected": 1}
	test.That(t, m.SetDeviceProperties(ctx, testAdapterPath, testDevicePath, props), test.ShouldBeNil)

	// Unpair disconnects, removes, and short-circuits the connect request.
	test.That(t, len(bus.CallsTo(testDevicePath, "Disconnect")), test.ShouldEqual, 1)
	test.That(t, len(bus.CallsTo(testAdapterPath, "RemoveDevice")), test.ShouldEqual, 1)
	test.That(t, bus.CallsTo(testDevicePath, "Connect"), test.ShouldBeNil)
	test.That(t, plugin.removedDevices, test.ShouldResemble, []string{testDeviceAddr})
}
