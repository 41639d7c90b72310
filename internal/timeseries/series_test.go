package timeseries

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func TestNewRejectsNonIncreasing(t *testing.T) {
	ts := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	_, err := FromTimestamps([]time.Time{ts, ts}, time.UTC)
	require.Error(t, err)
}

func TestSameDayUsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 23:30 and 00:30 UTC on consecutive days are both June 14 in New York.
	ts := []time.Time{
		time.Date(2025, 6, 14, 23, 30, 0, 0, time.UTC),
		time.Date(2025, 6, 15, 0, 30, 0, 0, time.UTC),
	}

	utc, err := FromTimestamps(ts, time.UTC)
	require.NoError(t, err)
	assert.False(t, utc.SameDay(0, 1))

	local, err := FromTimestamps(ts, ny)
	require.NoError(t, err)
	assert.True(t, local.SameDay(0, 1))
}

func TestIndexOf(t *testing.T) {
	s := Generate(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, 10, 1)

	assert.Equal(t, 0, s.IndexOf(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 3, s.IndexOf(s.Timestamp(3)))
	assert.Equal(t, 4, s.IndexOf(s.Timestamp(3).Add(time.Minute)))
	assert.Equal(t, 10, s.IndexOf(s.Timestamp(9).Add(time.Hour)))
}

func TestWithWarmup(t *testing.T) {
	s := Generate(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, 50, 1)

	sub, warm, err := s.WithWarmup(types.Range{Start: 20, End: 29}, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, warm)
	assert.Equal(t, 15, sub.Len())
	assert.Equal(t, s.Timestamp(15), sub.Timestamp(0))

	sub, warm, err = s.WithWarmup(types.Range{Start: 3, End: 9}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, warm)
	assert.Equal(t, 10, sub.Len())

	_, warm, err = s.WithWarmup(types.Range{Start: 20, End: 29}, 10, 18)
	require.NoError(t, err)
	assert.Equal(t, 2, warm)
}

func TestReadCSV(t *testing.T) {
	input := `timestamp,open,high,low,close,volume
2025-06-15T09:00:00Z,100,101,99,100.5,1200
2025-06-15 10:00:00,100.5,102,100,101.7,900
1750003200,101.7,103,101,102.2,1500
`
	s, err := ReadCSV(strings.NewReader(input), time.UTC)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())
	assert.Equal(t, "101.7", s.Bar(1).Close.String())
	assert.True(t, s.SameDay(0, 1))
}

func TestReadCSVErrors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("timestamp,open,close\n"), time.UTC)
	assert.ErrorContains(t, err, "missing column")

	_, err = ReadCSV(strings.NewReader("timestamp,open,high,low,close,volume\nnope,1,1,1,1,1\n"), time.UTC)
	assert.ErrorContains(t, err, "line 2")
}
