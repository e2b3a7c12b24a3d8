package bluez

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"go.viam.com/test"
)

func TestPathPatterns(t *testing.T) {
	test.That(t, IsAdapterPath("/org/bluez/hci0"), test.ShouldBeTrue)
	test.That(t, IsAdapterPath("/org/bluez/hci12"), test.ShouldBeTrue)
	test.That(t, IsAdapterPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), test.ShouldBeFalse)
	test.That(t, IsAdapterPath("/org/bluez"), test.ShouldBeFalse)

	test.That(t, IsDevicePath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), test.ShouldBeTrue)
	test.That(t, IsDevicePath("/org/bluez/hci0"), test.ShouldBeFalse)

	adapter, ok := AdapterOfDevice("/org/bluez/hci3/dev_AA_BB_CC_DD_EE_FF")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, adapter, test.ShouldEqual, dbus.ObjectPath("/org/bluez/hci3"))

	_, ok = AdapterOfDevice("/org/bluez/hci3")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestControllerNames(t *testing.T) {
	test.That(t, ControllerPrettyName("/org/bluez/hci0"), test.ShouldEqual, "controller0")
	test.That(t, ControllerPrettyName("hci5"), test.ShouldEqual, "controller5")
	test.That(t, ControllerPrettyName("controller1"), test.ShouldEqual, "controller1")
}

func TestNormalizeDeviceID(t *testing.T) {
	test.That(t, NormalizeDeviceID("aa_bb_cc_dd_ee_ff"), test.ShouldEqual, "AA:BB:CC:DD:EE:FF")
	test.That(t, NormalizeDeviceID("AA:BB:CC:DD:EE:FF"), test.ShouldEqual, "AA:BB:CC:DD:EE:FF")
}

func TestNormalizeUUID(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"1234", "00001234-0000-1000-8000-00805f9b34fb"},
		{"FFE0", "0000ffe0-0000-1000-8000-00805f9b34fb"},
		{"12345678", "12345678-0000-1000-8000-00805f9b34fb"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
	} {
		got, err := NormalizeUUID(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, tc.want)
	}

	_, err := NormalizeUUID("")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NormalizeUUID("not-a-uuid")
	test.That(t, err, test.ShouldNotBeNil)
}
