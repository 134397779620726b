package decoder

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"trackerflow/models"
)

func TestFormatPayloadMatchesFirmwareLayout(t *testing.T) {
	got := FormatPayload(models.Fix{Lat: 0x00AB, Lng: 0xBEEF, Battery: 0x0C})
	if got != "00ABBEEF0C" {
		t.Fatalf("FormatPayload = %q", got)
	}
}

func TestQuantizeInvertsScale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		fix := models.Fix{Lat: uint16(rng.Intn(65536)), Lng: uint16(rng.Intn(65536)), Battery: uint8(rng.Intn(256))}
		lat, lng, bat := Scale(fix)
		if got := Quantize(lat, lng, bat); got != fix {
			t.Fatalf("Quantize(Scale(%+v)) = %+v", fix, got)
		}
	}
}

func TestQuantizeClamps(t *testing.T) {
	low := Quantize(-120, -500, -3)
	if low != (models.Fix{}) {
		t.Fatalf("expected zero fix, got %+v", low)
	}
	high := Quantize(95, 181, 250)
	if high != (models.Fix{Lat: math.MaxUint16, Lng: math.MaxUint16, Battery: math.MaxUint8}) {
		t.Fatalf("expected saturated fix, got %+v", high)
	}
	if nan := Quantize(math.NaN(), 0, 50); nan.Lat != 0 {
		t.Fatalf("NaN should quantize to zero, got %+v", nan)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fix := Quantize(13.7563, 100.5018, 87.5)
	data, err := Encode("ESP32_001", fix, "2024-05-01", "08:15:00")
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("envelope is not json: %v", err)
	}
	if len(env.Payload) != PayloadHexLen {
		t.Fatalf("unexpected payload %q", env.Payload)
	}

	sample, err := Decode(models.RawMessage{Payload: data})
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	// one raw step is 180/65535 degrees, 360/65535 degrees and 100/255 percent
	if math.Abs(sample.Latitude-13.7563) > 180.0/65535.0 ||
		math.Abs(sample.Longitude-100.5018) > 360.0/65535.0 ||
		math.Abs(sample.BatteryPercent-87.5) > 100.0/255.0 {
		t.Fatalf("round trip drifted: %+v", sample)
	}
	if sample.DeviceID != "ESP32_001" || sample.Time != "08:15:00" {
		t.Fatalf("unexpected pass-through fields: %+v", sample)
	}
}
