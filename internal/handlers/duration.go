package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	werrors "github.com/iamwavecut/wardbot/internal/errors"
)

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// parseDuration accepts compact staff notation: "10m", "2h", "3d", "1w" or a
// bare number, which is read as minutes.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.WithMessage(werrors.ErrInvalidInput, "empty duration")
	}
	unit := time.Minute
	if u, ok := durationUnits[s[len(s)-1]]; ok {
		unit = u
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.WithMessage(werrors.ErrInvalidInput, "bad duration value")
	}
	d := time.Duration(n) * unit
	if d > 365*24*time.Hour {
		return 0, errors.WithMessage(werrors.ErrInvalidInput, "duration too long")
	}
	return d, nil
}

// looksLikeDuration reports whether the token would parse as a duration, so
// command argument splitting can tell "10m spamming" from "spamming hard".
func looksLikeDuration(s string) bool {
	_, err := parseDuration(s)
	return err == nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= 7*24*time.Hour && d%(7*24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(7*24*time.Hour)), 10) + "w"
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	}
	return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
}
