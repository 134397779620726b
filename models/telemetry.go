package models

import (
	"fmt"
	"time"
)

// RawMessage is one inbound MQTT message as delivered by the transport.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Envelope is the JSON record published by the tracker firmware.
//
//	{"id": "ESP32_001", "payload": "7FFF7FFF80", "date": "2024-05-01", "time": "12:00:00"}
type Envelope struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

// Fix holds the raw integers packed into a payload: latitude and longitude as
// unsigned 16-bit values, battery as an unsigned 8-bit value.
type Fix struct {
	Lat     uint16
	Lng     uint16
	Battery uint8
}

// TelemetrySample is a decoded tracker reading in physical units.
type TelemetrySample struct {
	DeviceID       string  `json:"device_id"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	BatteryPercent float64 `json:"battery_percent"`
	Date           string  `json:"date"`
	Time           string  `json:"time"`
}

// SampleView is the display projection of a sample, numeric values rounded to
// three decimal places.
type SampleView struct {
	DeviceID  string `json:"id"`
	Latitude  string `json:"lat"`
	Longitude string `json:"lng"`
	Battery   string `json:"bat"`
	Date      string `json:"date"`
	Time      string `json:"time"`
}

// View renders the sample for display. The sample itself keeps full precision.
func (s TelemetrySample) View() SampleView {
	return SampleView{
		DeviceID:  s.DeviceID,
		Latitude:  formatValue(s.Latitude),
		Longitude: formatValue(s.Longitude),
		Battery:   formatValue(s.BatteryPercent),
		Date:      s.Date,
		Time:      s.Time,
	}
}

func formatValue(v float64) string {
	s := fmt.Sprintf("%.3f", v)
	if s == "-0.000" {
		return "0.000"
	}
	return s
}

// HistoryWindow is a point-in-time copy of the rolling history. The four
// sequences always have the same length and index i refers to one sample.
type HistoryWindow struct {
	Latitudes  []float64 `json:"latitudes"`
	Longitudes []float64 `json:"longitudes"`
	Batteries  []float64 `json:"batteries"`
	Times      []string  `json:"times"`
}

// Len returns the number of samples in the window.
func (w HistoryWindow) Len() int {
	return len(w.Times)
}
