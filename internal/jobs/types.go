package jobs

import (
	"math"
	"strconv"
	"strings"
	"time"

	"adbot/internal/errors"
)

// Unit is the cadence unit of a job interval.
type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

// MaxIntervalMinutes bounds intervals created locally (7 days).
const MaxIntervalMinutes = 7 * 24 * 60

// Minutes returns the number of minutes in one unit (0 for unknown units).
func (u Unit) Minutes() int {
	switch u {
	case Minutes:
		return 1
	case Hours:
		return 60
	case Days:
		return 24 * 60
	default:
		return 0
	}
}

func (u Unit) Valid() bool { return u.Minutes() > 0 }

var unitAliases = map[string]Unit{
	"m": Minutes, "min": Minutes, "mins": Minutes, "minute": Minutes, "minutes": Minutes,
	"minuto": Minutes, "minutos": Minutes,
	"h": Hours, "hr": Hours, "hrs": Hours, "hour": Hours, "hours": Hours,
	"hora": Hours, "horas": Hours,
	"d": Days, "day": Days, "days": Days, "dia": Days, "dias": Days,
}

// ParseUnit resolves a unit name or alias. ok is false for unknown input.
func ParseUnit(s string) (Unit, bool) {
	u, ok := unitAliases[strings.ToLower(strings.TrimSpace(s))]
	return u, ok
}

// NormalizeUnit is ParseUnit with the Minutes fallback applied to records
// coming from the remote authority.
func NormalizeUnit(s string) Unit {
	if u, ok := ParseUnit(s); ok {
		return u
	}
	return Minutes
}

// maxDurationMinutes is the largest minute count a time.Duration can hold.
const maxDurationMinutes = int(math.MaxInt64 / int64(time.Minute))

// IntervalMinutes returns count × unit in minutes, or 0 when the product is
// not positive or would not fit in a time.Duration.
func IntervalMinutes(count int, unit Unit) int {
	per := unit.Minutes()
	if count <= 0 || per <= 0 || count > maxDurationMinutes/per {
		return 0
	}
	return count * per
}

// Interval converts count × unit to a duration.
func Interval(count int, unit Unit) time.Duration {
	return time.Duration(IntervalMinutes(count, unit)) * time.Minute
}

// ValidateInterval checks 1 <= count × unit <= MaxIntervalMinutes.
func ValidateInterval(count int, unit Unit) error {
	if !unit.Valid() {
		return errors.Validationf("unknown interval unit %q", string(unit))
	}
	if count <= 0 {
		return errors.Validationf("interval count must be positive, got %d", count)
	}
	if count > MaxIntervalMinutes/unit.Minutes() {
		return errors.Validationf("interval %d %s exceeds %d minutes", count, string(unit), MaxIntervalMinutes)
	}
	return nil
}

// ParseInterval parses a compact interval such as "30m", "2h", "1d" or a
// compound form like "1h30m". The result uses the largest unit that divides
// the total exactly.
func ParseInterval(raw string) (count int, unit Unit, err error) {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if s == "" {
		return 0, "", errors.Validationf("interval is empty")
	}
	total := 0
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, "", errors.Validationf("invalid interval %q (use e.g. 30m, 2h, 1d, 1h30m)", raw)
		}
		n, convErr := strconv.Atoi(s[:i])
		if convErr != nil {
			return 0, "", errors.Validationf("invalid interval %q", raw)
		}
		var per int
		switch s[i] {
		case 'm':
			per = 1
		case 'h':
			per = 60
		case 'd':
			per = 24 * 60
		default:
			return 0, "", errors.Validationf("invalid interval unit %q in %q", string(s[i]), raw)
		}
		if n > (MaxIntervalMinutes-total)/per {
			return 0, "", errors.Validationf("interval %q exceeds %d minutes", raw, MaxIntervalMinutes)
		}
		total += n * per
		s = s[i+1:]
	}
	if total < 1 {
		return 0, "", errors.Validationf("interval %q must be at least 1 minute", raw)
	}
	switch {
	case total%(24*60) == 0:
		return total / (24 * 60), Days, nil
	case total%60 == 0:
		return total / 60, Hours, nil
	default:
		return total, Minutes, nil
	}
}

// Key identifies a job: LocalID is unique within GroupID.
type Key struct {
	GroupID string
	LocalID string
}

func (k Key) String() string { return k.GroupID + ":" + k.LocalID }

// JobRecord is the locally cached view of one announcement job.
type JobRecord struct {
	GroupID       string
	LocalID       string
	RemoteID      string
	Content       string
	IntervalCount int
	Unit          Unit
	LastSentAt    time.Time
	CreatedAt     time.Time
}

func (r JobRecord) Key() Key { return Key{GroupID: r.GroupID, LocalID: r.LocalID} }

// Interval is the job cadence as a duration.
func (r JobRecord) Interval() time.Duration { return Interval(r.IntervalCount, r.Unit) }
