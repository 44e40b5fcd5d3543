package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeasurement(t *testing.T) {
	payload := []byte(`{
		"dateutc": 1704067200000,
		"tempf": 70.5,
		"tempinf": 68.2,
		"humidity": 45,
		"humidityin": 40,
		"baromrelin": 29.92,
		"windspeedmph": 5.4,
		"winddir": 180,
		"hourlyrainin": 0.0,
		"dailyrainin": 0.12,
		"solarradiation": 412.5,
		"uv": 4,
		"macAddress": "aa:bb:cc:dd:ee:ff"
	}`)

	m, err := ParseMeasurement(payload, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", m.DeviceID)

	require.NotNil(t, m.TempOutdoor)
	assert.Equal(t, 70.5, *m.TempOutdoor)
	require.NotNil(t, m.HumidityOutdoor)
	assert.Equal(t, 45, *m.HumidityOutdoor)
	require.NotNil(t, m.WindDirection)
	assert.Equal(t, 180, *m.WindDirection)
	require.NotNil(t, m.UVIndex)
	assert.Equal(t, 4, *m.UVIndex)

	// Sensors absent from the payload stay nil.
	assert.Nil(t, m.FeelsLike)
	assert.Nil(t, m.DewPoint)
	assert.Nil(t, m.WindGust)
	assert.Nil(t, m.YearlyRain)
}

func TestParseMeasurementTimestampFallbacks(t *testing.T) {
	t.Run("date field", func(t *testing.T) {
		m, err := ParseMeasurement([]byte(`{"date": 1704067260000}`), "AA")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), m.Timestamp)
	})

	t.Run("missing timestamp defaults to now", func(t *testing.T) {
		before := time.Now().UTC().Add(-time.Second)
		m, err := ParseMeasurement([]byte(`{"tempf": 50.0}`), "AA")
		require.NoError(t, err)
		assert.False(t, m.Timestamp.Before(before))
		assert.False(t, m.Timestamp.After(time.Now().UTC()))
	})
}

func TestParseMeasurementMalformed(t *testing.T) {
	_, err := ParseMeasurement([]byte(`not json`), "AA")
	assert.Error(t, err)

	_, err = ParseMeasurement([]byte(`{"tempf": "warm"}`), "AA")
	assert.Error(t, err)
}

func TestPayloadDeviceID(t *testing.T) {
	assert.Equal(t, "AA:BB:CC", PayloadDeviceID([]byte(`{"macAddress": "AA:BB:CC"}`)))
	assert.Equal(t, "", PayloadDeviceID([]byte(`{}`)))
	assert.Equal(t, "", PayloadDeviceID([]byte(`garbage`)))
}

func TestMeasurementKey(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Measurement{Timestamp: ts, DeviceID: "aa:bb:cc"}
	b := &Measurement{Timestamp: ts, DeviceID: "AA:BB:CC"}
	assert.Equal(t, a.Key(), b.Key())

	c := &Measurement{Timestamp: ts.Add(time.Second), DeviceID: "AA:BB:CC"}
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestSameDevice(t *testing.T) {
	assert.True(t, SameDevice("AA:BB:CC", "aa:bb:cc"))
	assert.False(t, SameDevice("AA:BB:CC", "aa:bb:cd"))
}
