// Package codec decodes the GATT payloads a heart-rate strap sends:
// the Heart Rate Measurement characteristic (0x2A37) and Battery Level (0x2A19).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Heart Rate Measurement flag bits
const (
	flagHeartRateUint16  = 1 << 0
	flagContactDetected  = 1 << 1
	flagContactSupported = 1 << 2
	flagEnergyExpended   = 1 << 3
	flagRRInterval       = 1 << 4
)

// ErrMalformedPayload is matched by every decode failure
var ErrMalformedPayload = errors.New("malformed payload")

// MalformedPayloadError reports a payload too short for the fields its flags announce,
// or a value outside its legal range.
type MalformedPayloadError struct {
	Field string
	Need  int
	Got   int
	Msg   string
}

func (e *MalformedPayloadError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("malformed payload: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("malformed payload: %s needs %d bytes, got %d", e.Field, e.Need, e.Got)
}

// Is allows errors.Is(err, ErrMalformedPayload)
func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// ContactStatus is the sensor-contact state reported in the flags byte
type ContactStatus int

const (
	ContactUnsupported ContactStatus = iota
	ContactNotDetected
	ContactDetected
)

func (c ContactStatus) String() string {
	switch c {
	case ContactDetected:
		return "detected"
	case ContactNotDetected:
		return "not_detected"
	default:
		return "unsupported"
	}
}

// MarshalJSON encodes the status by name
func (c ContactStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// Measurement is a fully decoded Heart Rate Measurement
type Measurement struct {
	BPM     int
	Contact ContactStatus
	// EnergyExpended in kilojoules, nil when not present
	EnergyExpended *int
	// RRIntervals between successive beats, oldest first
	RRIntervals []time.Duration
}

// DecodeHeartRate extracts beats per minute from a Heart Rate Measurement payload.
// Byte 0 holds flags; bit 0 selects a little-endian uint16 value over a single byte.
func DecodeHeartRate(b []byte) (int, error) {
	bpm, _, err := decodeBPM(b)
	return bpm, err
}

func decodeBPM(b []byte) (bpm int, next int, err error) {
	if len(b) < 2 {
		return 0, 0, &MalformedPayloadError{Field: "heart rate", Need: 2, Got: len(b)}
	}
	if b[0]&flagHeartRateUint16 != 0 {
		if len(b) < 3 {
			return 0, 0, &MalformedPayloadError{Field: "heart rate (uint16)", Need: 3, Got: len(b)}
		}
		return int(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	}
	return int(b[1]), 2, nil
}

// DecodeMeasurement decodes the heart rate plus the optional contact, energy and RR fields.
func DecodeMeasurement(b []byte) (Measurement, error) {
	bpm, off, err := decodeBPM(b)
	if err != nil {
		return Measurement{}, err
	}

	flags := b[0]
	m := Measurement{BPM: bpm}

	switch {
	case flags&flagContactSupported == 0:
		m.Contact = ContactUnsupported
	case flags&flagContactDetected != 0:
		m.Contact = ContactDetected
	default:
		m.Contact = ContactNotDetected
	}

	if flags&flagEnergyExpended != 0 {
		if len(b) < off+2 {
			return Measurement{}, &MalformedPayloadError{Field: "energy expended", Need: off + 2, Got: len(b)}
		}
		kj := int(binary.LittleEndian.Uint16(b[off : off+2]))
		m.EnergyExpended = &kj
		off += 2
	}

	if flags&flagRRInterval != 0 {
		rest := b[off:]
		if len(rest) == 0 || len(rest)%2 != 0 {
			return Measurement{}, &MalformedPayloadError{Field: "rr intervals", Need: off + 2*(len(rest)/2+1), Got: len(b)}
		}
		m.RRIntervals = make([]time.Duration, 0, len(rest)/2)
		for i := 0; i < len(rest); i += 2 {
			raw := binary.LittleEndian.Uint16(rest[i : i+2])
			// 1/1024 s resolution
			m.RRIntervals = append(m.RRIntervals, time.Duration(raw)*time.Second/1024)
		}
	}

	return m, nil
}

// DecodeBatteryLevel reads the Battery Level characteristic as a percentage.
func DecodeBatteryLevel(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, &MalformedPayloadError{Field: "battery level", Need: 1, Got: 0}
	}
	if b[0] > 100 {
		return 0, &MalformedPayloadError{Field: "battery level", Msg: fmt.Sprintf("%d%% is out of range", b[0])}
	}
	return int(b[0]), nil
}
