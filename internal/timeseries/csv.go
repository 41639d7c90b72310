package timeseries

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

var csvColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// LoadCSVFile reads a series from a CSV file.
func LoadCSVFile(path string, loc *time.Location) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ReadCSV(f, loc)
}

// ReadCSV reads bars with header timestamp,open,high,low,close,volume.
// Timestamps are RFC 3339, "2006-01-02 15:04:05" in loc, or unix seconds.
func ReadCSV(r io.Reader, loc *time.Location) (*Series, error) {
	if loc == nil {
		loc = time.UTC
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var bars []types.Bar
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		bar, err := parseRecord(record, cols, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}

	return New(bars, loc)
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, want := range csvColumns {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("missing column %q", want)
		}
	}
	return cols, nil
}

func parseRecord(record []string, cols map[string]int, loc *time.Location) (types.Bar, error) {
	var bar types.Bar

	ts, err := parseTimestamp(record[cols["timestamp"]], loc)
	if err != nil {
		return bar, err
	}
	bar.Timestamp = ts

	fields := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
	for i, name := range csvColumns[1:] {
		v, err := decimal.NewFromString(strings.TrimSpace(record[cols[name]]))
		if err != nil {
			return bar, fmt.Errorf("invalid %s: %w", name, err)
		}
		*fields[i] = v
	}
	return bar, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
