package audience

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ValueKind tags a parsed rule value.
type ValueKind int

const (
	ValueLiteral ValueKind = iota
	ValueBool
	ValueRelativeTime
	ValueFieldRef
)

// Anchor is the base of a relative time expression.
type Anchor int

const (
	AnchorNow Anchor = iota
	// AnchorToday is midnight of now's day in now's location.
	AnchorToday
)

// Value is a parsed rule value. Relative times stay symbolic until Time is
// called with the evaluation's now.
type Value struct {
	Kind    ValueKind
	Literal string
	Bool    bool
	Anchor  Anchor
	Offset  time.Duration
	Field   string
}

// ParseValue parses a rule value expression:
//
//	True, False            boolean literals
//	now, now-7 days        relative to the evaluation instant
//	today, today+1 week    relative to midnight of the evaluation day
//	F_<field path>         the value of another field on the same record
//	anything else          a literal, coerced to the field's type on compare
//
// A value that starts with now/today followed by + or - is always a relative
// time; a malformed duration is an error rather than a literal.
func ParseValue(raw string) (Value, error) {
	switch raw {
	case "True":
		return Value{Kind: ValueBool, Bool: true}, nil
	case "False":
		return Value{Kind: ValueBool, Bool: false}, nil
	}

	if strings.HasPrefix(raw, "F_") {
		field := strings.TrimPrefix(raw, "F_")
		if field == "" {
			return Value{}, fmt.Errorf("empty field reference")
		}
		return Value{Kind: ValueFieldRef, Field: field}, nil
	}

	for _, a := range []struct {
		word   string
		anchor Anchor
	}{{"now", AnchorNow}, {"today", AnchorToday}} {
		if raw == a.word {
			return Value{Kind: ValueRelativeTime, Anchor: a.anchor}, nil
		}
		if !strings.HasPrefix(raw, a.word) || len(raw) == len(a.word) {
			continue
		}
		sign := raw[len(a.word)]
		if sign != '+' && sign != '-' {
			continue
		}
		d, err := ParseDuration(raw[len(a.word)+1:])
		if err != nil {
			return Value{}, fmt.Errorf("relative time %q: %w", raw, err)
		}
		if sign == '-' {
			d = -d
		}
		return Value{Kind: ValueRelativeTime, Anchor: a.anchor, Offset: d}, nil
	}

	return Value{Kind: ValueLiteral, Literal: raw}, nil
}

// Time resolves a relative time value against now.
func (v Value) Time(now time.Time) time.Time {
	base := now
	if v.Anchor == AnchorToday {
		y, m, d := now.Date()
		base = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	}
	return base.Add(v.Offset)
}

var durationUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseDuration accepts Go duration syntax ("36h") or comma/space separated
// "<n> <unit>" terms ("1 week, 2 days", "30 minutes").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	var total time.Duration
	for i := 0; i < len(fields); i++ {
		num, unit := splitNumberUnit(fields[i])
		if unit == "" {
			if i+1 >= len(fields) {
				return 0, fmt.Errorf("duration %q: missing unit after %q", s, num)
			}
			i++
			unit = fields[i]
		}
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("duration %q: bad number %q", s, num)
		}
		mult, ok := durationUnits[strings.ToLower(unit)]
		if !ok {
			return 0, fmt.Errorf("duration %q: unknown unit %q", s, unit)
		}
		total += time.Duration(n * float64(mult))
	}
	return total, nil
}

func splitNumberUnit(tok string) (string, string) {
	i := 0
	for i < len(tok) && (tok[i] == '.' || (tok[i] >= '0' && tok[i] <= '9')) {
		i++
	}
	return tok[:i], tok[i:]
}
