package contextmon

import (
	"time"

	"github.com/tidwall/gjson"
)

// Record is one parsed telemetry line. The assistant appends JSON records
// to a per-session file; only the fields below matter to the monitor.
type Record struct {
	Timestamp      time.Time
	EventKind      string
	ContextPercent *float64
	WaitingState   string
}

// ParseRecord extracts the interesting fields from one telemetry line.
// Unknown fields are ignored; a line that is not a JSON object, or that
// carries neither a context percent nor a waiting state, reports ok=false.
func ParseRecord(line string) (Record, bool) {
	if !gjson.Valid(line) {
		return Record{}, false
	}
	root := gjson.Parse(line)
	if !root.IsObject() {
		return Record{}, false
	}

	var rec Record
	if ts := root.Get("timestamp"); ts.Exists() {
		if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			rec.Timestamp = parsed.UTC()
		}
	}
	rec.EventKind = root.Get("event_kind").String()

	hasAny := false
	if pct := root.Get("context_remaining_percent"); pct.Exists() {
		v := pct.Float()
		if v >= 0 && v <= 100 {
			rec.ContextPercent = &v
			hasAny = true
		}
	}
	if ws := root.Get("waiting_state"); ws.Exists() && ws.String() != "" {
		rec.WaitingState = ws.String()
		hasAny = true
	}
	if !hasAny {
		return Record{}, false
	}
	return rec, true
}

// Level is the per-session threshold state.
type Level uint8

const (
	LevelUnknown Level = iota
	LevelMeasuring
	LevelAbove
	LevelBelow
)

func (l Level) String() string {
	switch l {
	case LevelMeasuring:
		return "measuring"
	case LevelAbove:
		return "above"
	case LevelBelow:
		return "below"
	default:
		return "unknown"
	}
}

// AdvanceLevel classifies a context sample against the threshold.
// Crossing into Below fires once; re-arming requires recovery past
// threshold+hysteresis, so readings hovering around the threshold cannot
// fire a burst of events.
func AdvanceLevel(state Level, percent, threshold, hysteresis float64) (Level, bool) {
	switch state {
	case LevelBelow:
		if percent >= threshold+hysteresis {
			return LevelAbove, false
		}
		return LevelBelow, false
	default:
		if percent < threshold {
			return LevelBelow, true
		}
		return LevelAbove, false
	}
}
