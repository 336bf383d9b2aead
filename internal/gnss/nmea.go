package gnss

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrChecksum    = errors.New("nmea checksum mismatch")
	ErrNotRMC      = errors.New("not an RMC sentence")
	ErrInvalidData = errors.New("invalid RMC data")
)

// RMC is the recommended minimum navigation sentence.
type RMC struct {
	Time  time.Time
	Valid bool
	Lat   float64
	Lon   float64
}

// Checksum is the XOR of every byte between '$' and '*'.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// ParseRMC parses a $--RMC sentence from any talker (GP, GN, GL, ...).
func ParseRMC(line string) (RMC, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return RMC{}, ErrNotRMC
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want, err := strconv.ParseUint(body[star+1:], 16, 8)
		if err != nil {
			return RMC{}, fmt.Errorf("%w: %q", ErrChecksum, body[star+1:])
		}
		body = body[:star]
		if Checksum(body) != byte(want) {
			return RMC{}, ErrChecksum
		}
	}

	fields := strings.Split(body, ",")
	if len(fields[0]) != 5 || fields[0][2:] != "RMC" {
		return RMC{}, ErrNotRMC
	}
	if len(fields) < 10 {
		return RMC{}, fmt.Errorf("%w: %d fields", ErrInvalidData, len(fields))
	}

	out := RMC{Valid: fields[2] == "A"}
	if !out.Valid {
		return out, nil
	}

	ts, err := parseDateTime(fields[9], fields[1])
	if err != nil {
		return RMC{}, err
	}
	out.Time = ts

	if out.Lat, err = parseCoordinate(fields[3], fields[4], 2); err != nil {
		return RMC{}, err
	}
	if out.Lon, err = parseCoordinate(fields[5], fields[6], 3); err != nil {
		return RMC{}, err
	}
	return out, nil
}

// parseCoordinate converts (d)ddmm.mmmm plus hemisphere to signed degrees.
func parseCoordinate(value, hemi string, degDigits int) (float64, error) {
	if len(value) < degDigits+2 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrInvalidData, value)
	}
	deg, err := strconv.Atoi(value[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrInvalidData, value)
	}
	min, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil || min >= 60 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrInvalidData, value)
	}
	v := float64(deg) + min/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		v = -v
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrInvalidData, hemi)
	}
	return v, nil
}

func parseDateTime(date, clock string) (time.Time, error) {
	if len(clock) > 6 {
		clock = clock[:6]
	}
	t, err := time.Parse("020106150405", date+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s %s", ErrInvalidData, date, clock)
	}
	return t.UTC(), nil
}
