package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Measurement represents a single weather station reading.
//
// All sensor fields are pointers because not every station carries every
// sensor; a nil field means the sensor is absent from the payload.
// A measurement is uniquely identified by (Timestamp, DeviceID).
type Measurement struct {
	// Timestamp of the reading, normalized to UTC with second precision.
	Timestamp time.Time
	// DeviceID is the station's MAC address.
	DeviceID string

	// Temperature (Fahrenheit)
	TempOutdoor *float64
	TempIndoor  *float64
	FeelsLike   *float64
	DewPoint    *float64

	// Humidity (%)
	HumidityOutdoor *int
	HumidityIndoor  *int

	// Pressure (inHg)
	PressureRelative *float64
	PressureAbsolute *float64

	// Wind
	WindSpeed         *float64 // mph
	WindGust          *float64 // mph
	WindDirection     *int     // degrees
	WindGustDirection *int     // degrees
	MaxDailyGust      *float64 // mph

	// Rain accumulation (inches)
	HourlyRain  *float64
	DailyRain   *float64
	WeeklyRain  *float64
	MonthlyRain *float64
	YearlyRain  *float64

	// Solar/UV
	SolarRadiation *float64 // W/m^2
	UVIndex        *int
}

// vendorPayload mirrors the field names the Ambient Weather API uses, for
// both the REST response and the realtime push frames.
type vendorPayload struct {
	DateUTC        *int64   `json:"dateutc"`
	Date           *int64   `json:"date"`
	TempF          *float64 `json:"tempf"`
	TempInF        *float64 `json:"tempinf"`
	FeelsLike      *float64 `json:"feelsLike"`
	DewPoint       *float64 `json:"dewPoint"`
	Humidity       *int     `json:"humidity"`
	HumidityIn     *int     `json:"humidityin"`
	BaromRelIn     *float64 `json:"baromrelin"`
	BaromAbsIn     *float64 `json:"baromabsin"`
	WindSpeedMPH   *float64 `json:"windspeedmph"`
	WindGustMPH    *float64 `json:"windgustmph"`
	WindDir        *int     `json:"winddir"`
	WindGustDir    *int     `json:"windgustdir"`
	MaxDailyGust   *float64 `json:"maxdailygust"`
	HourlyRainIn   *float64 `json:"hourlyrainin"`
	DailyRainIn    *float64 `json:"dailyrainin"`
	WeeklyRainIn   *float64 `json:"weeklyrainin"`
	MonthlyRainIn  *float64 `json:"monthlyrainin"`
	YearlyRainIn   *float64 `json:"yearlyrainin"`
	SolarRadiation *float64 `json:"solarradiation"`
	UV             *int     `json:"uv"`
	MACAddress     string   `json:"macAddress"`
}

// ParseMeasurement decodes a vendor API payload into a Measurement.
//
// The vendor reports the reading time in epoch milliseconds under "dateutc"
// (or "date" on some firmware); when both are absent the current time is
// used. deviceID overrides any macAddress in the payload so the caller
// controls which station the reading is attributed to.
func ParseMeasurement(data []byte, deviceID string) (*Measurement, error) {
	var p vendorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed vendor payload: %w", err)
	}
	return p.toMeasurement(deviceID), nil
}

// PayloadDeviceID extracts the station MAC address from a raw vendor
// payload without fully decoding it. Returns "" if absent.
func PayloadDeviceID(data []byte) string {
	var p struct {
		MACAddress string `json:"macAddress"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return p.MACAddress
}

func (p *vendorPayload) toMeasurement(deviceID string) *Measurement {
	ts := time.Now().UTC().Truncate(time.Second)
	if ms := p.DateUTC; ms != nil {
		ts = time.Unix(*ms/1000, 0).UTC()
	} else if ms := p.Date; ms != nil {
		ts = time.Unix(*ms/1000, 0).UTC()
	}

	return &Measurement{
		Timestamp:         ts,
		DeviceID:          deviceID,
		TempOutdoor:       p.TempF,
		TempIndoor:        p.TempInF,
		FeelsLike:         p.FeelsLike,
		DewPoint:          p.DewPoint,
		HumidityOutdoor:   p.Humidity,
		HumidityIndoor:    p.HumidityIn,
		PressureRelative:  p.BaromRelIn,
		PressureAbsolute:  p.BaromAbsIn,
		WindSpeed:         p.WindSpeedMPH,
		WindGust:          p.WindGustMPH,
		WindDirection:     p.WindDir,
		WindGustDirection: p.WindGustDir,
		MaxDailyGust:      p.MaxDailyGust,
		HourlyRain:        p.HourlyRainIn,
		DailyRain:         p.DailyRainIn,
		WeeklyRain:        p.WeeklyRainIn,
		MonthlyRain:       p.MonthlyRainIn,
		YearlyRain:        p.YearlyRainIn,
		SolarRadiation:    p.SolarRadiation,
		UVIndex:           p.UV,
	}
}

// Key returns the dedup key for the measurement.
func (m *Measurement) Key() string {
	return fmt.Sprintf("%d/%s", m.Timestamp.Unix(), strings.ToUpper(m.DeviceID))
}

// SameDevice reports whether two station MAC addresses name the same
// device, comparing case-insensitively as the vendor mixes cases.
func SameDevice(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Device holds metadata about a physical station.
type Device struct {
	DeviceID string
	Name     string
	Location string
	// LastSeen is the timestamp of the most recent contact attempt,
	// updated whether or not the measurement was a duplicate.
	LastSeen time.Time
}
