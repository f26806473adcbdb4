package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow(t *testing.T) {
	now := Now()
	assert.WithinDuration(t, time.Now().UTC(), now, 50*time.Millisecond)
	assert.Equal(t, time.UTC, now.Location())
}

func TestUnixToTime(t *testing.T) {
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), UnixToTime(1609459200))
	assert.True(t, UnixToTime(0).IsZero())
	assert.True(t, UnixToTime(-1).IsZero())
}

func TestUnixStringToTime(t *testing.T) {
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), UnixStringToTime("1609459200"))
	assert.WithinDuration(t, time.Now().UTC(), UnixStringToTime("not-a-number"), time.Second)
	assert.WithinDuration(t, time.Now().UTC(), UnixStringToTime(""), time.Second)
}

func TestFormatISO8601(t *testing.T) {
	bogota := time.FixedZone("COT", -5*3600)
	ts := time.Date(2026, 10, 19, 15, 0, 0, 0, bogota)
	assert.Equal(t, "2026-10-19T20:00:00Z", FormatISO8601(ts))
}
