package migrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// ResolveTypeTag maps a declared SQLite column type to its tag, following
// SQLite's affinity rules with boolean and datetime split out.
func ResolveTypeTag(declared string) TypeTag {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return TagInteger
	case strings.Contains(t, "BOOL"):
		return TagBoolean
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return TagText
	case strings.Contains(t, "BLOB"), strings.TrimSpace(t) == "":
		return TagBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return TagReal
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return TagDateTime
	default:
		return TagNumeric
	}
}

// Compatible reports whether values of tag have a conversion path into kind.
func Compatible(tag TypeTag, kind TargetKind) bool {
	switch kind {
	case KindText, KindOther, KindJSON:
		return true
	case KindBytes:
		return tag == TagBlob || tag == TagText
	case KindInteger, KindBoolean, KindFloat, KindNumeric:
		return tag != TagBlob && tag != TagDateTime
	case KindTimestamp, KindDate:
		return tag == TagDateTime || tag == TagText || tag == TagInteger || tag == TagReal || tag == TagNumeric
	}
	return false
}

// Converted is a target-ready value. Warning is set when the value had to be
// repaired on the way.
type Converted struct {
	Value   any
	Warning string
}

// Mapper converts raw source values into values the target driver accepts.
// It holds no state beyond its options.
type Mapper struct {
	// JSONFallback writes {} for unparsable JSON instead of failing the row.
	JSONFallback bool
}

var errOutOfDomain = errors.New("value outside boolean domain {0,1}")

// Convert converts with the default options.
func Convert(plan ColumnPlan, raw any) (Converted, error) {
	return Mapper{}.Convert(plan, raw)
}

func (m Mapper) Convert(plan ColumnPlan, raw any) (Converted, error) {
	if raw == nil {
		if !plan.Target.Nullable {
			return Converted{}, &NotNullViolation{Column: plan.Target.Name}
		}
		return Converted{}, nil
	}

	var (
		out Converted
		err error
	)
	switch plan.Target.Kind {
	case KindInteger:
		out.Value, err = toInteger(raw)
	case KindBoolean:
		out.Value, err = toBoolean(raw)
	case KindFloat:
		out.Value, err = toFloat(raw)
	case KindNumeric:
		out.Value, err = toDecimal(raw)
	case KindText:
		out = toText(raw)
	case KindJSON:
		out, err = m.toJSON(raw)
	case KindBytes:
		out.Value, err = toBytes(raw)
	case KindTimestamp:
		out.Value, err = toTime(raw)
	case KindDate:
		var t time.Time
		if t, err = toTime(raw); err == nil {
			out.Value = t.Format("2006-01-02")
		}
	default:
		out = passThrough(raw)
	}
	if err != nil {
		return Converted{}, &ConversionError{
			Column: plan.Target.Name,
			Tag:    plan.Source.Tag,
			Kind:   plan.Target.Kind,
			Value:  truncateForError(formatValue(raw)),
			Err:    err,
		}
	}
	return out, nil
}

func toInteger(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) >= math.MaxInt64 || math.IsNaN(v) {
			return 0, errors.New("not an integral value")
		}
		return int64(v), nil
	case string:
		return parseInteger(v)
	case []byte:
		return parseInteger(string(v))
	}
	return 0, fmt.Errorf("unsupported source value %T", raw)
}

func parseInteger(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, errors.New("not an integer")
	}
	return int64(f), nil
}

func toBoolean(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int64:
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, errOutOfDomain
	case float64:
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, errOutOfDomain
	case string:
		return parseBoolean(v)
	case []byte:
		return parseBoolean(string(v))
	}
	return false, fmt.Errorf("unsupported source value %T", raw)
}

func parseBoolean(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	}
	return false, errOutOfDomain
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	}
	return 0, fmt.Errorf("unsupported source value %T", raw)
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return decimal.Decimal{}, errors.New("not a finite number")
		}
		return decimal.NewFromFloat(v), nil
	case bool:
		if v {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case []byte:
		return decimal.NewFromString(strings.TrimSpace(string(v)))
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported source value %T", raw)
}

// RepairText makes s storable in a PostgreSQL text column: invalid UTF-8 is
// replaced with U+FFFD and NUL bytes are dropped. The second result describes
// the repair, empty when s was already clean.
func RepairText(s string) (string, string) {
	var repairs []string
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
		repairs = append(repairs, "invalid UTF-8 replaced")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
		repairs = append(repairs, "NUL bytes removed")
	}
	return s, strings.Join(repairs, ", ")
}

func toText(raw any) Converted {
	switch v := raw.(type) {
	case string:
		s, warning := RepairText(v)
		return Converted{Value: s, Warning: warning}
	case []byte:
		s, warning := RepairText(string(v))
		return Converted{Value: s, Warning: warning}
	case int64:
		return Converted{Value: strconv.FormatInt(v, 10)}
	case float64:
		return Converted{Value: strconv.FormatFloat(v, 'g', -1, 64)}
	case bool:
		return Converted{Value: strconv.FormatBool(v)}
	case time.Time:
		return Converted{Value: v.Format(sqlite3.SQLiteTimestampFormats[0])}
	}
	return Converted{Value: fmt.Sprint(raw)}
}

func (m Mapper) toJSON(raw any) (Converted, error) {
	var doc string
	var warning string
	switch v := raw.(type) {
	case string:
		doc, warning = RepairText(v)
	case []byte:
		doc, warning = RepairText(string(v))
	case int64, float64, bool:
		b, err := json.Marshal(v)
		if err != nil {
			return Converted{}, err
		}
		return Converted{Value: string(b)}, nil
	default:
		return Converted{}, fmt.Errorf("unsupported source value %T", raw)
	}

	if !json.Valid([]byte(doc)) {
		if !m.JSONFallback {
			return Converted{}, errors.New("invalid JSON document")
		}
		return Converted{Value: "{}", Warning: "invalid JSON replaced with {}"}, nil
	}
	return Converted{Value: doc, Warning: warning}, nil
}

func toBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("unsupported source value %T", raw)
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds; as
// seconds it lies in the year 5138.
const epochMillisThreshold = 1e11

func toTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case int64:
		return fromEpoch(float64(v)), nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return time.Time{}, errors.New("not a finite number")
		}
		return fromEpoch(v), nil
	case string:
		return parseTime(v)
	case []byte:
		return parseTime(string(v))
	}
	return time.Time{}, fmt.Errorf("unsupported source value %T", raw)
}

func fromEpoch(v float64) time.Time {
	if math.Abs(v) >= epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), nil
	}
	return time.Time{}, errors.New("unrecognized date/time format")
}

func passThrough(raw any) Converted {
	switch v := raw.(type) {
	case string:
		s, warning := RepairText(v)
		return Converted{Value: s, Warning: warning}
	case []byte:
		s, warning := RepairText(string(v))
		return Converted{Value: s, Warning: warning}
	}
	return Converted{Value: raw}
}

const maxErrorValueLen = 64

func truncateForError(s string) string {
	if len(s) <= maxErrorValueLen {
		return strconv.Quote(s)
	}
	cut := maxErrorValueLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strconv.Quote(s[:cut]) + "..."
}
