package bss

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "20060102"

// DatePair is the pair of acquisition dates an observation spans.
type DatePair struct {
	Start time.Time
	End   time.Time
}

// ParseDatePair parses "YYYYMMDD_YYYYMMDD".
func ParseDatePair(s string) (DatePair, error) {
	parts := strings.Split(strings.TrimSpace(s), "_")
	if len(parts) != 2 {
		return DatePair{}, fmt.Errorf("date pair %q: expected YYYYMMDD_YYYYMMDD", s)
	}
	start, err := time.Parse(dateLayout, parts[0])
	if err != nil {
		return DatePair{}, fmt.Errorf("date pair %q: start date: %w", s, err)
	}
	end, err := time.Parse(dateLayout, parts[1])
	if err != nil {
		return DatePair{}, fmt.Errorf("date pair %q: end date: %w", s, err)
	}
	return DatePair{Start: start, End: end}, nil
}

// ParseDatePairs parses a list of "YYYYMMDD_YYYYMMDD" strings.
func ParseDatePairs(ss []string) ([]DatePair, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]DatePair, len(ss))
	for i, s := range ss {
		dp, err := ParseDatePair(s)
		if err != nil {
			return nil, fmt.Errorf("dates[%d]: %w", i, err)
		}
		out[i] = dp
	}
	return out, nil
}

// String formats the pair the same way it is parsed.
func (d DatePair) String() string {
	return d.Start.Format(dateLayout) + "_" + d.End.Format(dateLayout)
}

// Days returns the temporal baseline in days.
func (d DatePair) Days() float64 {
	return d.End.Sub(d.Start).Hours() / 24
}

// MarshalText lets DatePair round-trip through JSON and YAML as a string.
func (d DatePair) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DatePair) UnmarshalText(b []byte) error {
	dp, err := ParseDatePair(string(b))
	if err != nil {
		return err
	}
	*d = dp
	return nil
}

// TemporalBaselines returns the baseline (days) of every pair.
func TemporalBaselines(dates []DatePair) []float64 {
	out := make([]float64, len(dates))
	for i, d := range dates {
		out[i] = d.Days()
	}
	return out
}

// acquisitions returns the acquisition dates of a continuous daisy chain:
// the start of the first pair followed by the end of every pair.
func acquisitions(chain []DatePair) []time.Time {
	if len(chain) == 0 {
		return nil
	}
	acq := make([]time.Time, 0, len(chain)+1)
	acq = append(acq, chain[0].Start)
	for _, d := range chain {
		acq = append(acq, d.End)
	}
	return acq
}
