package receiver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// eventSuffix selects the event code path; the bare prefix names the owning
// measurement type.
const eventSuffix = ".event"

// Record is the wire form shared by measurement and event records. Numeric
// fields are kept loose because producers send both JSON numbers and digit
// strings; validation coerces them. End is raw so that an explicit null can
// be told apart from a missing key.
type Record struct {
	Type     string                 `json:"type"`
	Time     interface{}            `json:"time"`
	Interval interface{}            `json:"interval"`
	Meta     map[string]interface{} `json:"meta"`
	Values   map[string]interface{} `json:"values"`

	Start     interface{}            `json:"start"`
	End       json.RawMessage        `json:"end"`
	EventType string                 `json:"event_type"`
	Text      string                 `json:"text"`
	Affected  map[string]interface{} `json:"affected"`
}

// IsEvent reports whether the record routes to the event path.
func (r *Record) IsEvent() bool {
	return strings.HasSuffix(r.Type, eventSuffix)
}

// BaseType returns the owning measurement type with any event suffix
// stripped.
func (r *Record) BaseType() string {
	return strings.TrimSuffix(r.Type, eventSuffix)
}

// measurement holds a validated measurement record with its numbers coerced.
type measurement struct {
	Type     string
	Time     int64
	Interval int64
	Meta     map[string]interface{}
	Values   map[string]interface{}
}

// event holds a validated event record with its numbers coerced. End stays a
// pointer: nil means the event is still ongoing.
type event struct {
	Type      string
	Start     int64
	End       *int64
	EventType string
	Text      string
	Affected  map[string][]interface{}
}

// validateMeasurement checks the structural requirements of a measurement
// record: non-empty values and meta maps, a positive interval that evenly
// divides the bucket size, and a non-negative timestamp. Failures reject the
// record, never the whole delivery.
func (r *Record) validateMeasurement() (*measurement, error) {
	if len(r.Values) == 0 {
		return nil, fmt.Errorf("%w: missing \"values\" or is not a map", ErrMalformedRecord)
	}

	interval, ok := asInt64(r.Interval)
	if !ok || interval <= 0 {
		return nil, fmt.Errorf("%w: missing \"interval\" or is not a positive integer", ErrMalformedRecord)
	}

	if len(r.Meta) == 0 {
		return nil, fmt.Errorf("%w: missing \"meta\" or is not a map", ErrMalformedRecord)
	}

	timestamp, ok := asInt64(r.Time)
	if !ok || timestamp < 0 {
		return nil, fmt.Errorf("%w: missing \"time\" or is not a non-negative integer", ErrMalformedRecord)
	}

	if BaseDocSize%interval != 0 {
		return nil, fmt.Errorf("%w: doc size of %d not evenly divisible by data interval %d", ErrMalformedRecord, BaseDocSize, interval)
	}

	return &measurement{
		Type:     r.BaseType(),
		Time:     timestamp,
		Interval: interval,
		Meta:     r.Meta,
		Values:   r.Values,
	}, nil
}

// validateEvent checks the structural requirements of an event record. The
// affected map must hold lists, start must be a positive integer, end must
// be present but may be null, and event_type and text must be non-empty
// strings.
func (r *Record) validateEvent() (*event, error) {
	if len(r.Affected) == 0 {
		return nil, fmt.Errorf("%w: missing \"affected\" or is not a map", ErrMalformedRecord)
	}

	affected := make(map[string][]interface{}, len(r.Affected))
	for name, value := range r.Affected {
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: values for affected %q was not a list", ErrMalformedRecord, name)
		}
		affected[name] = list
	}

	start, ok := asInt64(r.Start)
	if !ok || start <= 0 {
		return nil, fmt.Errorf("%w: missing \"start\" or is not an integer", ErrMalformedRecord)
	}

	if r.EventType == "" {
		return nil, fmt.Errorf("%w: missing \"event_type\" or is not a string", ErrMalformedRecord)
	}

	if r.End == nil {
		return nil, fmt.Errorf("%w: missing \"end\"", ErrMalformedRecord)
	}

	var end *int64
	if string(r.End) != "null" {
		var raw interface{}
		if err := json.Unmarshal(r.End, &raw); err != nil {
			return nil, fmt.Errorf("%w: \"end\" is not an integer or null", ErrMalformedRecord)
		}
		value, ok := asInt64(raw)
		if !ok || value < 0 {
			return nil, fmt.Errorf("%w: \"end\" is not an integer or null", ErrMalformedRecord)
		}
		end = &value
	}

	if r.Text == "" {
		return nil, fmt.Errorf("%w: missing \"text\" or is not a string", ErrMalformedRecord)
	}

	return &event{
		Type:      r.BaseType(),
		Start:     start,
		End:       end,
		EventType: r.EventType,
		Text:      r.Text,
		Affected:  affected,
	}, nil
}

// asInt64 coerces a decoded JSON value into a non-negative integer. Floats
// must be integral; strings must be all digits. Anything else fails.
func asInt64(v interface{}) (int64, bool) {
	switch value := v.(type) {
	case float64:
		if value < 0 || value != math.Trunc(value) {
			return 0, false
		}
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil || parsed < 0 {
			return 0, false
		}
		return parsed, true
	case string:
		if value == "" || value[0] == '+' {
			return 0, false
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return 0, false
		}
		return parsed, true
	case int64:
		if value < 0 {
			return 0, false
		}
		return value, true
	case int:
		if value < 0 {
			return 0, false
		}
		return int64(value), true
	}
	return 0, false
}

// metaString renders a meta field value in its UTF-8 string form for
// identity hashing. Whole floats print without a fractional part so that a
// producer sending 10 and one sending 10.0 hash identically.
func metaString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}
