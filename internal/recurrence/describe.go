// Package recurrence renders the display subset of a semicolon-delimited
// schedule string (FREQ first, optional BYDAY, BYHOUR, BYMINUTE) as a short
// human-readable phrase. Scheduling itself is the backend's job.
package recurrence

import "strings"

// Rule holds the recognised tokens of a schedule string. Unknown keys are
// dropped.
type Rule struct {
	Freq     string
	ByDay    string
	ByHour   string
	ByMinute string
}

// Parse never fails. Freq is set only when the first token is FREQ=...;
// later FREQ tokens are ignored.
func Parse(s string) Rule {
	var r Rule
	for i, tok := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch key {
		case "FREQ":
			if i == 0 {
				r.Freq = value
			}
		case "BYDAY":
			if r.ByDay == "" {
				r.ByDay = value
			}
		case "BYHOUR":
			if r.ByHour == "" {
				r.ByHour = value
			}
		case "BYMINUTE":
			if r.ByMinute == "" {
				r.ByMinute = value
			}
		}
	}
	return r
}

// Describe returns e.g. "daily", "daily at 09:00" or "Every mo,we at 09:00".
// A string without a leading FREQ token yields an empty base.
func Describe(s string) string {
	return Parse(s).Describe()
}

func (r Rule) Describe() string {
	desc := strings.ToLower(r.Freq)
	if r.ByDay != "" {
		desc = "Every " + strings.ToLower(r.ByDay)
	}
	if r.ByHour != "" || r.ByMinute != "" {
		desc += " at " + pad2(r.ByHour) + ":" + pad2(r.ByMinute)
	}
	return desc
}

func pad2(v string) string {
	switch len(v) {
	case 0:
		return "00"
	case 1:
		return "0" + v
	}
	return v
}
