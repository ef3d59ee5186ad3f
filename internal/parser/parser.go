package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"traffic-congestion-monitor/internal/models"
)

// legacyCountField is a misspelling some sensor firmware emits instead of "count".
const legacyCountField = "counay_ms"

var errNotObject = errors.New("frame is not a JSON object")

// ParseError reports a frame that could not be decoded. The frame is dropped
// and reading continues.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame %q: %v", abbreviate(e.Frame, 80), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DecodeFrame decodes one trimmed, newline-free frame into a Reading.
// Absent fields default to zero values; malformed values are errors.
// ReceivedAt is left for the caller to stamp.
func DecodeFrame(frame string) (models.Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(frame), &fields); err != nil {
		return models.Reading{}, &ParseError{Frame: frame, Err: err}
	}
	if fields == nil {
		return models.Reading{}, &ParseError{Frame: frame, Err: errNotObject}
	}

	var r models.Reading
	var err error
	fail := func(err error) (models.Reading, error) {
		return models.Reading{}, &ParseError{Frame: frame, Err: err}
	}

	if r.Timestamp, err = stringField(fields, "timestamp"); err != nil {
		return fail(err)
	}
	if r.UID, err = stringField(fields, "uid"); err != nil {
		return fail(err)
	}
	if r.Flag, err = stringField(fields, "flag"); err != nil {
		return fail(err)
	}
	if r.Gas, err = intField(fields, "gas"); err != nil {
		return fail(err)
	}
	if r.HeadwayMs, err = intField(fields, "headway_ms"); err != nil {
		return fail(err)
	}

	// The legacy key only applies when "count" is missing entirely; a present
	// canonical value wins even when it is 0 or null.
	countKey := "count"
	if _, ok := fields[countKey]; !ok {
		if _, ok := fields[legacyCountField]; ok {
			countKey = legacyCountField
		}
	}
	if r.Count, err = intField(fields, countKey); err != nil {
		return fail(err)
	}

	return r, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// intField extracts a numeric field. Fractional values truncate toward zero.
func intField(fields map[string]json.RawMessage, key string) (int, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return 0, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %q: expected number, got %s", key, abbreviate(string(raw), 32))
	}
	if i, err := num.Int64(); err == nil {
		if i > math.MaxInt32 || i < math.MinInt32 {
			return 0, fmt.Errorf("field %q: %d out of range", key, i)
		}
		return int(i), nil
	}
	f, err := num.Float64()
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("field %q: %v out of range", key, f)
	}
	return int(math.Trunc(f)), nil
}

// stringField extracts a string field. Numbers and booleans keep their
// literal text, so a numeric uid such as 593515 becomes "593515".
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", nil
	}
	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("field %q: %w", key, err)
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("field %q: expected string, got %s", key, abbreviate(string(trimmed), 32))
	default:
		return string(trimmed), nil
	}
}

// ParseFile parses a recorded capture of newline-delimited frames.
// Malformed frames are skipped and counted.
func ParseFile(filename string) ([]models.Reading, int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var results []models.Reading
	rejected := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), DefaultMaxFrameBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(strings.ToValidUTF8(scanner.Text(), ""))
		if line == "" {
			continue
		}
		r, err := DecodeFrame(line)
		if err != nil {
			rejected++
			continue
		}
		results = append(results, r)
	}

	return results, rejected, scanner.Err()
}

// parseTimestamp tries the timestamp formats sensors are known to send
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateReading returns the problems found in a reading. None of them stop
// the reading from being processed; callers decide whether to keep it.
func ValidateReading(r *models.Reading) []string {
	var problems []string

	if r.Gas < 0 {
		problems = append(problems, "gas cannot be negative")
	}
	if r.Count < 0 {
		problems = append(problems, "count cannot be negative")
	}
	if r.HeadwayMs < 0 {
		problems = append(problems, "headway_ms cannot be negative")
	}
	if r.Timestamp != "" {
		if _, err := parseTimestamp(r.Timestamp); err != nil {
			problems = append(problems, "timestamp is not a recognised format")
		}
	}

	return problems
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
