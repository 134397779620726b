// Package simulator publishes tracker payloads the way the ESP32 firmware does,
// so the pipeline can be exercised without hardware.
package simulator

import (
	"math/rand"
	"sync"
	"time"

	"trackerflow/internal/decoder"
	"trackerflow/models"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// Reading is one generated fix together with its encoded envelope.
type Reading struct {
	Fix     models.Fix
	Date    string
	Time    string
	Payload []byte
}

// Generator draws random fixes. It is safe for concurrent use.
type Generator struct {
	deviceID string

	mu     sync.Mutex
	rng    *rand.Rand
	now    func() time.Time
	pinned *models.Fix
}

// NewGenerator returns a generator for deviceID. A zero seed seeds from the
// clock.
func NewGenerator(deviceID string, seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		deviceID: deviceID,
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for the date and time fields.
func (g *Generator) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Generator) DeviceID() string {
	return g.deviceID
}

// Pin makes every following Next report the given position and battery
// level, quantized the way the firmware packs them. Out-of-range values are
// clamped.
func (g *Generator) Pin(latitude, longitude, battery float64) models.Fix {
	fix := decoder.Quantize(latitude, longitude, battery)
	g.mu.Lock()
	g.pinned = &fix
	g.mu.Unlock()
	return fix
}

// Next draws a fix, or returns the pinned one, and encodes it.
func (g *Generator) Next() (Reading, error) {
	g.mu.Lock()
	var fix models.Fix
	if g.pinned != nil {
		fix = *g.pinned
	} else {
		fix = models.Fix{
			Lat:     uint16(g.rng.Intn(1 << 16)),
			Lng:     uint16(g.rng.Intn(1 << 16)),
			Battery: uint8(g.rng.Intn(1 << 8)),
		}
	}
	ts := g.now()
	g.mu.Unlock()

	return g.encode(fix, ts)
}

// At encodes a caller-chosen fix stamped with the generator clock.
func (g *Generator) At(fix models.Fix) (Reading, error) {
	g.mu.Lock()
	ts := g.now()
	g.mu.Unlock()
	return g.encode(fix, ts)
}

func (g *Generator) encode(fix models.Fix, ts time.Time) (Reading, error) {
	r := Reading{
		Fix:  fix,
		Date: ts.Format(dateLayout),
		Time: ts.Format(timeLayout),
	}
	payload, err := decoder.Encode(g.deviceID, fix, r.Date, r.Time)
	if err != nil {
		return Reading{}, err
	}
	r.Payload = payload
	return r, nil
}
