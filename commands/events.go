package commands

import (
	"fmt"

	"vesclink/protocol"
)

// Event is a decoded response from the controller
type Event interface {
	CommandID() ID
}

// FirmwareVersion answers a FW_VERSION request
type FirmwareVersion struct {
	Major int
	Minor int
	HW    string
	UUID  []byte
}

func (FirmwareVersion) CommandID() ID { return FWVersion }

func (f FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", f.Major, f.Minor)
}

// MotorConfig carries a serialized motor configuration. The layer does not
// interpret it.
type MotorConfig struct {
	Blob    []byte
	Default bool
}

func (m MotorConfig) CommandID() ID {
	if m.Default {
		return GetMcconfDefault
	}
	return GetMcconf
}

// AppConfig carries a serialized app configuration
type AppConfig struct {
	Blob    []byte
	Default bool
}

func (a AppConfig) CommandID() ID {
	if a.Default {
		return GetAppconfDefault
	}
	return GetAppconf
}

// AckKind identifies what an Ack acknowledges
type AckKind int

const (
	AckMcconfWrite AckKind = iota
	AckAppconfWrite
	AckEraseNewApp
	AckWriteNewAppData
)

func (k AckKind) String() string {
	switch k {
	case AckMcconfWrite:
		return "MCCONF Write OK"
	case AckAppconfWrite:
		return "APPCONF Write OK"
	case AckEraseNewApp:
		return "Erase New App"
	case AckWriteNewAppData:
		return "Write New App Data"
	default:
		return fmt.Sprintf("ack(%d)", int(k))
	}
}

// Ack acknowledges a write. Offset is only reported by newer firmware for
// WRITE_NEW_APP_DATA.
type Ack struct {
	Kind      AckKind
	OK        bool
	Offset    uint32
	HasOffset bool
}

func (a Ack) CommandID() ID {
	switch a.Kind {
	case AckMcconfWrite:
		return SetMcconf
	case AckAppconfWrite:
		return SetAppconf
	case AckEraseNewApp:
		return EraseNewApp
	default:
		return WriteNewAppData
	}
}

// Values carries a telemetry sample
type Values struct {
	Blob []byte
}

func (Values) CommandID() ID { return GetValues }

// PrintText is text printed by the controller, e.g. terminal output
type PrintText struct {
	Text string
}

func (PrintText) CommandID() ID { return Print }

// UnknownCommand is a response nobody registered a decoder for
type UnknownCommand struct {
	ID      ID
	Payload []byte
}

func (u UnknownCommand) CommandID() ID { return u.ID }

func decodeFirmwareVersion(data []byte) (Event, error) {
	major, err := protocol.DecodeUint8(&data)
	if err != nil {
		return nil, &DecodeError{ID: FWVersion, Err: err}
	}
	minor, err := protocol.DecodeUint8(&data)
	if err != nil {
		return nil, &DecodeError{ID: FWVersion, Err: err}
	}

	fw := FirmwareVersion{Major: int(major), Minor: int(minor)}
	// Older firmware stops after the version numbers
	if len(data) > 0 {
		fw.HW = protocol.DecodeCString(&data)
	}
	if len(data) >= UUIDSize {
		fw.UUID, _ = protocol.DecodeBytes(&data, UUIDSize)
	}
	return fw, nil
}

func decodeAck(kind AckKind) DecodeFunc {
	return func(data []byte) (Event, error) {
		ok, err := protocol.DecodeUint8(&data)
		if err != nil {
			return nil, &DecodeError{ID: Ack{Kind: kind}.CommandID(), Err: err}
		}
		ack := Ack{Kind: kind, OK: ok != 0}
		if offset, err := protocol.DecodeUint32(&data); err == nil {
			ack.Offset = offset
			ack.HasOffset = true
		}
		return ack, nil
	}
}

// decodeWriteAck handles config writes, which are acknowledged by an empty
// response
func decodeWriteAck(kind AckKind) DecodeFunc {
	return func(data []byte) (Event, error) {
		return Ack{Kind: kind, OK: true}, nil
	}
}

func decodeMotorConfig(def bool) DecodeFunc {
	return func(data []byte) (Event, error) {
		return MotorConfig{Blob: append([]byte(nil), data...), Default: def}, nil
	}
}

func decodeAppConfig(def bool) DecodeFunc {
	return func(data []byte) (Event, error) {
		return AppConfig{Blob: append([]byte(nil), data...), Default: def}, nil
	}
}

func decodeValues(data []byte) (Event, error) {
	return Values{Blob: append([]byte(nil), data...)}, nil
}

func decodePrint(data []byte) (Event, error) {
	return PrintText{Text: string(data)}, nil
}
