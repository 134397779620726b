package decoder

import (
	"encoding/json"
	"fmt"
	"math"

	"trackerflow/models"
)

// FormatPayload packs raw integers the way the tracker firmware does
// (upper-case hex, zero padded).
func FormatPayload(fix models.Fix) string {
	return fmt.Sprintf("%04X%04X%02X", fix.Lat, fix.Lng, fix.Battery)
}

// Quantize is the inverse of Scale: it clamps physical values to their ranges
// and rounds them to the nearest raw integer.
func Quantize(latitude, longitude, battery float64) models.Fix {
	return models.Fix{
		Lat:     uint16(quantize(latitude, -90, 180, maxUint16)),
		Lng:     uint16(quantize(longitude, -180, 360, maxUint16)),
		Battery: uint8(quantize(battery, 0, 100, maxUint8)),
	}
}

func quantize(v, offset, span, max float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round((v - offset) / span * max)
	return math.Min(math.Max(r, 0), max)
}

// Encode renders the JSON envelope for one fix.
func Encode(deviceID string, fix models.Fix, date, clock string) ([]byte, error) {
	data, err := json.Marshal(models.Envelope{
		ID:      deviceID,
		Payload: FormatPayload(fix),
		Date:    date,
		Time:    clock,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
