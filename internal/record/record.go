// Package record maps raw rows from the hosted tables, the change feed and
// the local mirror into model.Event. It is the only place that knows about
// legacy column names.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	appLog "nestcal/internal/log"
	"nestcal/internal/model"
)

// Raw is a row as delivered by the persistence layer. Values are whatever a
// JSON decoder or a database scan produced.
type Raw map[string]any

// Canonical column names used on every write path.
const (
	ColumnID          = "id"
	ColumnGroup       = "nest_id"
	ColumnResponsible = "responsible_id"
	ColumnStart       = "start_time"
	ColumnEnd         = "end_time"
	ColumnPrivate     = "is_private"
	ColumnTitle       = "title"
	ColumnDescription = "description"
	ColumnCategory    = "category"
)

// Accepted names per concept, in priority order.
var (
	GroupColumns   = []string{ColumnGroup, "group_id", "family_id"}
	MemberColumns  = []string{ColumnResponsible, "assigned_to", "member_id"}
	StartColumns   = []string{ColumnStart, "start", "starts_at", "event_date", "date"}
	EndColumns     = []string{ColumnEnd, "end", "ends_at"}
	PrivateColumns = []string{ColumnPrivate, "private"}
)

// ErrDataQuality is matched by every *DataQualityError.
var ErrDataQuality = errors.New("data quality")

// DataQualityError reports a single record that could not be normalized.
// Callers skip the record and keep going.
type DataQualityError struct {
	ID     string
	Field  string
	Reason string
}

func (e *DataQualityError) Error() string {
	id := e.ID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("record %s: %s: %s", id, e.Field, e.Reason)
}

func (e *DataQualityError) Is(target error) bool {
	return target == ErrDataQuality
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime accepts the timestamp shapes seen in stored rows. Values without
// an offset are read as UTC.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, errors.New("nil time")
		}
		return *t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, errors.New("invalid unix timestamp")
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return ParseTime(n)
	case []byte:
		return ParseTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errors.New("empty time value")
		}
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

// Normalize maps one raw row into the canonical Event.
func Normalize(r Raw) (model.Event, error) {
	var ev model.Event
	ev.ID = stringOf(r[ColumnID])
	ev.Source = model.SourceDB

	ev.GroupID = first(r, GroupColumns)
	if ev.GroupID == "" {
		return ev, &DataQualityError{ID: ev.ID, Field: ColumnGroup, Reason: "missing"}
	}

	if m := first(r, MemberColumns); m != "" {
		ev.ResponsibleID = model.Member(m)
	}

	startKey, startVal := firstPresent(r, StartColumns)
	if startKey == "" {
		return ev, &DataQualityError{ID: ev.ID, Field: ColumnStart, Reason: "missing"}
	}
	start, err := ParseTime(startVal)
	if err != nil {
		return ev, &DataQualityError{ID: ev.ID, Field: startKey, Reason: err.Error()}
	}
	ev.Start = start
	ev.End = start

	if endKey, endVal := firstPresent(r, EndColumns); endKey != "" {
		end, err := ParseTime(endVal)
		if err != nil {
			appLog.Warn("record end time unparsable; treating as instant",
				"id", ev.ID, "field", endKey, "reason", err.Error())
		} else {
			ev.End = end
		}
	}
	if ev.End.Before(ev.Start) {
		return ev, &DataQualityError{ID: ev.ID, Field: ColumnEnd, Reason: "before start"}
	}

	if _, v := firstPresent(r, PrivateColumns); v != nil {
		ev.Private = boolOf(v)
	}
	ev.Title = stringOf(r[ColumnTitle])
	ev.Description = stringOf(r[ColumnDescription])
	ev.Category = stringOf(r[ColumnCategory])
	return ev, nil
}

// NormalizeAll normalizes a batch, skipping records that fail. Each skipped
// record is logged as a data-quality warning and returned in errs.
func NormalizeAll(rows []Raw) ([]model.Event, []error) {
	out := make([]model.Event, 0, len(rows))
	var errs []error
	for _, r := range rows {
		ev, err := Normalize(r)
		if err != nil {
			appLog.Warn("skipping malformed event record", "reason", err.Error())
			errs = append(errs, err)
			continue
		}
		out = append(out, ev)
	}
	return out, errs
}

// FromEvent builds a canonical row for write paths. Zero End is written as
// Start.
func FromEvent(ev model.Event) Raw {
	end := ev.End
	if end.IsZero() {
		end = ev.Start
	}
	r := Raw{
		ColumnGroup:   ev.GroupID,
		ColumnStart:   ev.Start.UTC().Format(time.RFC3339Nano),
		ColumnEnd:     end.UTC().Format(time.RFC3339Nano),
		ColumnPrivate: ev.Private,
		ColumnTitle:   ev.Title,
	}
	if ev.ID != "" {
		r[ColumnID] = ev.ID
	}
	if ev.ResponsibleID != nil {
		r[ColumnResponsible] = *ev.ResponsibleID
	} else {
		r[ColumnResponsible] = nil
	}
	if ev.Description != "" {
		r[ColumnDescription] = ev.Description
	}
	if ev.Category != "" {
		r[ColumnCategory] = ev.Category
	}
	return r
}

// Group returns the nest id of a raw row without full normalization. Used
// to route change-feed messages.
func Group(r Raw) string {
	return first(r, GroupColumns)
}

// Member returns the responsible member of a raw row across every legacy
// member column, "" when unassigned.
func Member(r Raw) string {
	return first(r, MemberColumns)
}

// ID returns the raw row's id.
func ID(r Raw) string {
	return stringOf(r[ColumnID])
}

func first(r Raw, keys []string) string {
	for _, k := range keys {
		if s := stringOf(r[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstPresent(r Raw, keys []string) (string, any) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return k, v
	}
	return "", nil
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func boolOf(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	case int64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}
