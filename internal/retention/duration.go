package retention

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/xtxerr/metricd/internal/errors"
)

// Seconds per shorthand unit. A year is 365 days, not calendar-accurate.
const (
	Second int64 = 1
	Minute       = 60 * Second
	Hour         = 60 * Minute
	Day          = 24 * Hour
	Week         = 7 * Day
	Year         = 365 * Day
)

var durationPattern = regexp.MustCompile(`^([0-9]+)([a-z])$`)

var unitSeconds = map[byte]int64{
	's': Second,
	'm': Minute,
	'h': Hour,
	'd': Day,
	'w': Week,
	'y': Year,
}

// ParseDuration converts a shorthand duration such as "30s", "1h" or "2w"
// into whole seconds.
func ParseDuration(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.NewInvalidDuration(s, "expected <integer><unit>")
	}

	mult, ok := unitSeconds[m[2][0]]
	if !ok {
		return 0, errors.NewInvalidDuration(s, "unknown unit "+strconv.Quote(m[2]))
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errors.NewInvalidDuration(s, "quantity out of range")
	}
	if n > math.MaxInt64/mult {
		return 0, errors.NewInvalidDuration(s, "overflows int64 seconds")
	}

	return n * mult, nil
}

// FormatDuration renders seconds using the largest unit that divides them
// exactly. It is the inverse of ParseDuration for its own output.
func FormatDuration(seconds int64) string {
	for _, u := range []struct {
		unit byte
		mult int64
	}{{'y', Year}, {'w', Week}, {'d', Day}, {'h', Hour}, {'m', Minute}} {
		if seconds != 0 && seconds%u.mult == 0 {
			return strconv.FormatInt(seconds/u.mult, 10) + string(u.unit)
		}
	}
	return strconv.FormatInt(seconds, 10) + "s"
}

// Duration accepts a Go duration string ("1m30s"), a shorthand duration
// ("30s", "1d") or a number of seconds.
func Duration(v any) (time.Duration, error) {
	if d, ok := v.(time.Duration); ok {
		return d, nil
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	secs, err := Seconds(v)
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, errors.NewInvalidValue("duration", v, "must not be negative")
	}
	return time.Duration(secs) * time.Second, nil
}
