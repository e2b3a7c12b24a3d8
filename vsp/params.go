// Package vsp tunnels a BLE GATT characteristic pair to a local TCP port,
// presenting a virtual serial port to hosts on the network.
package vsp

import (
	errw "github.com/pkg/errors"

	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez"
)

// FramingMode selects how GATT traffic is presented on the TCP socket.
type FramingMode string

const (
	// FramingJSON wraps received payloads and session events in
	// line-delimited JSON objects.
	FramingJSON FramingMode = "JSON"
	// FramingRaw passes payload bytes through untouched.
	FramingRaw FramingMode = "raw"
)

// WriteType optionally forces the BlueZ write mode for the write
// characteristic. Empty leaves the BlueZ default.
type WriteType string

const (
	WriteTypeDefault  WriteType = ""
	WriteTypeCommand  WriteType = "command"
	WriteTypeRequest  WriteType = "request"
	WriteTypeReliable WriteType = "reliable"
)

const (
	minPort = 1024
	maxPort = 65535
)

// Params are the gattConnect arguments after validation.
type Params struct {
	ServiceUUID       string
	ReadCharUUID      string
	WriteCharUUID     string
	TCPPort           int
	WriteSize         int
	Framing           FramingMode
	WriteType         WriteType
	AuthFailureUnpair bool
}

func requiredUUID(raw map[string]interface{}, key string) (string, error) {
	value, ok := raw[key].(string)
	if !ok || value == "" {
		return "", errw.Wrapf(bluetooth.ErrInvalidParameter, "%s param not specified", key)
	}
	normalized, err := bluez.NormalizeUUID(value)
	if err != nil {
		return "", errw.Wrapf(bluetooth.ErrInvalidParameter, "%s param %q is not a UUID", key, value)
	}
	return normalized, nil
}

func intParam(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// ParseParams validates a gattConnect request body. The three UUIDs and
// tcpPort are required; the rest default sensibly.
func ParseParams(raw map[string]interface{}) (Params, error) {
	params := Params{
		WriteSize: 1,
		Framing:   FramingJSON,
	}

	var err error
	if params.ServiceUUID, err = requiredUUID(raw, "vspSvcUuid"); err != nil {
		return Params{}, err
	}
	if params.ReadCharUUID, err = requiredUUID(raw, "vspReadChrUuid"); err != nil {
		return Params{}, err
	}
	if params.WriteCharUUID, err = requiredUUID(raw, "vspWriteChrUuid"); err != nil {
		return Params{}, err
	}

	port, ok := intParam(raw["tcpPort"])
	if !ok {
		return Params{}, errw.Wrap(bluetooth.ErrInvalidParameter, "tcpPort param not specified")
	}
	if port < minPort || port > maxPort {
		return Params{}, errw.Wrapf(bluetooth.ErrInvalidParameter, "tcpPort %d outside allowed range %d-%d", port, minPort, maxPort)
	}
	params.TCPPort = port

	if v, present := raw["vspWriteChrSize"]; present {
		size, ok := intParam(v)
		if !ok || size < 1 {
			return Params{}, errw.Wrap(bluetooth.ErrInvalidParameter, "vspWriteChrSize param must be a positive integer")
		}
		params.WriteSize = size
	}

	if v, present := raw["socketRxType"]; present {
		s, _ := v.(string)
		switch FramingMode(s) {
		case FramingJSON, FramingRaw:
			params.Framing = FramingMode(s)
		default:
			return Params{}, errw.Wrap(bluetooth.ErrInvalidParameter, "socketRxType param must be one of [JSON raw]")
		}
	}

	if v, present := raw["vspWriteChrType"]; present {
		s, _ := v.(string)
		switch WriteType(s) {
		case WriteTypeDefault, WriteTypeCommand, WriteTypeRequest, WriteTypeReliable:
			params.WriteType = WriteType(s)
		default:
			return Params{}, errw.Wrap(bluetooth.ErrInvalidParameter, "vspWriteChrType param must be one of [command request reliable]")
		}
	}

	if v, present := raw["authFailureUnpair"]; present {
		if b, ok := v.(bool); ok {
			params.AuthFailureUnpair = b
		}
	}

	return params, nil
}
