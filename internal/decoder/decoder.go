// Package decoder turns raw tracker messages into telemetry samples.
//
// The payload packs three big-endian unsigned integers as ten hex characters:
// latitude (chars 0-3), longitude (chars 4-7) and battery (chars 8-9). Each is
// rescaled linearly from its full integer range onto its physical range.
package decoder

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"trackerflow/models"
)

const (
	// PayloadHexLen is the number of payload characters that carry data.
	PayloadHexLen = 10

	maxUint16 = 65535.0
	maxUint8  = 255.0
)

var requiredFields = []string{"id", "payload", "date", "time"}

// Decode parses one message. It has no side effects and never panics; every
// failure is returned as a *DecodeError.
func Decode(raw models.RawMessage) (models.TelemetrySample, error) {
	env, err := parseEnvelope(raw.Payload)
	if err != nil {
		err.Topic = raw.Topic
		return models.TelemetrySample{}, err
	}

	fix, err := parsePayload(env.Payload)
	if err != nil {
		err.Topic = raw.Topic
		return models.TelemetrySample{}, err
	}

	lat, lng, bat := Scale(fix)
	return models.TelemetrySample{
		DeviceID:       env.ID,
		Latitude:       lat,
		Longitude:      lng,
		BatteryPercent: bat,
		Date:           env.Date,
		Time:           env.Time,
	}, nil
}

// ParsePayload extracts the raw integers from the first ten characters of a
// hex payload. Characters beyond the tenth are ignored.
func ParsePayload(payload string) (models.Fix, error) {
	fix, err := parsePayload(payload)
	if err != nil {
		return models.Fix{}, err
	}
	return fix, nil
}

func parsePayload(payload string) (models.Fix, *DecodeError) {
	if len(payload) < PayloadHexLen {
		return models.Fix{}, &DecodeError{
			Kind:   ErrPayloadTooShort,
			Detail: fmt.Sprintf("got %d characters, need %d", len(payload), PayloadHexLen),
		}
	}

	b, err := hex.DecodeString(payload[:PayloadHexLen])
	if err != nil {
		return models.Fix{}, &DecodeError{Kind: ErrInvalidHex, Err: err}
	}

	return models.Fix{
		Lat:     binary.BigEndian.Uint16(b[0:2]),
		Lng:     binary.BigEndian.Uint16(b[2:4]),
		Battery: b[4],
	}, nil
}

// Scale maps raw integers onto degrees and percent.
func Scale(fix models.Fix) (latitude, longitude, battery float64) {
	latitude = (float64(fix.Lat)/maxUint16)*180.0 - 90.0
	longitude = (float64(fix.Lng)/maxUint16)*360.0 - 180.0
	battery = (float64(fix.Battery) / maxUint8) * 100.0
	return latitude, longitude, battery
}

func parseEnvelope(data []byte) (models.Envelope, *DecodeError) {
	if !utf8.Valid(data) {
		return models.Envelope{}, &DecodeError{Kind: ErrMalformedRecord, Detail: "message is not valid UTF-8"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Envelope{}, &DecodeError{Kind: ErrMalformedRecord, Err: err}
	}
	if fields == nil {
		return models.Envelope{}, &DecodeError{Kind: ErrMalformedRecord, Detail: "record is null"}
	}

	values := make(map[string]string, len(requiredFields))
	for _, name := range requiredFields {
		rawValue, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(rawValue), []byte("null")) {
			return models.Envelope{}, &DecodeError{Kind: ErrMissingField, Field: name}
		}
		var s string
		if err := json.Unmarshal(rawValue, &s); err != nil {
			return models.Envelope{}, &DecodeError{Kind: ErrMalformedRecord, Field: name, Detail: "must be a string"}
		}
		values[name] = s
	}

	return models.Envelope{
		ID:      values["id"],
		Payload: values["payload"],
		Date:    values["date"],
		Time:    values["time"],
	}, nil
}
