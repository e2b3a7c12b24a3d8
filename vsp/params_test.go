package vsp

import (
	"errors"
	"testing"

	"go.viam.com/test"

	"github.com/edgelinkio/btagent/bluetooth"
)

func validParams() map[string]interface{} {
	return map[string]interface{}{
		"vspSvcUuid":      "569a1101-b87f-490c-92cb-11ba5ea5167c",
		"vspReadChrUuid":  "569a2000-b87f-490c-92cb-11ba5ea5167c",
		"vspWriteChrUuid": "569a2001-b87f-490c-92cb-11ba5ea5167c",
		"tcpPort":         float64(4321),
	}
}

func TestParseParamsDefaults(t *testing.T) {
	params, err := ParseParams(validParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.TCPPort, test.ShouldEqual, 4321)
	test.That(t, params.WriteSize, test.ShouldEqual, 1)
	test.That(t, params.Framing, test.ShouldEqual, FramingJSON)
	test.That(t, params.WriteType, test.ShouldEqual, WriteTypeDefault)
	test.That(t, params.AuthFailureUnpair, test.ShouldBeFalse)
}

func TestParseParamsShortUUID(t *testing.T) {
	raw := validParams()
	raw["vspSvcUuid"] = "1101"
	params, err := ParseParams(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.ServiceUUID, test.ShouldEqual, "00001101-0000-1000-8000-00805f9b34fb")
}

func TestParseParamsOptions(t *testing.T) {
	raw := validParams()
	raw["vspWriteChrSize"] = float64(20)
	raw["socketRxType"] = "raw"
	raw["vspWriteChrType"] = "command"
	raw["authFailureUnpair"] = true

	params, err := ParseParams(raw)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.WriteSize, test.ShouldEqual, 20)
	test.That(t, params.Framing, test.ShouldEqual, FramingRaw)
	test.That(t, params.WriteType, test.ShouldEqual, WriteTypeCommand)
	test.That(t, params.AuthFailureUnpair, test.ShouldBeTrue)
}

func TestParseParamsRejections(t *testing.T) {
	for name, mutate := range map[string]func(map[string]interface{}){
		"missing service uuid":  func(raw map[string]interface{}) { delete(raw, "vspSvcUuid") },
		"bad read uuid":         func(raw map[string]interface{}) { raw["vspReadChrUuid"] = "not-a-uuid" },
		"missing port":          func(raw map[string]interface{}) { delete(raw, "tcpPort") },
		"privileged port":       func(raw map[string]interface{}) { raw["tcpPort"] = float64(80) },
		"port too large":        func(raw map[string]interface{}) { raw["tcpPort"] = float64(70000) },
		"fractional port":       func(raw map[string]interface{}) { raw["tcpPort"] = 1234.5 },
		"zero write size":       func(raw map[string]interface{}) { raw["vspWriteChrSize"] = float64(0) },
		"bad framing":           func(raw map[string]interface{}) { raw["socketRxType"] = "XML" },
		"bad write type":        func(raw map[string]interface{}) { raw["vspWriteChrType"] = "burst" },
		"port as string":        func(raw map[string]interface{}) { raw["tcpPort"] = "4321" },
		"service uuid not text": func(raw map[string]interface{}) { raw["vspSvcUuid"] = 17 },
	} {
		t.Run(name, func(t *testing.T) {
			raw := validParams()
			mutate(raw)
			_, err := ParseParams(raw)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, errors.Is(err, bluetooth.ErrInvalidParameter), test.ShouldBeTrue)
		})
	}
}
