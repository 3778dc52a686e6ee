package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/go-playground/validator.v9"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// strftimeLayout translates the strftime directives clients send in
// time_format into a Go reference layout. Strings without directives pass
// through, so Go layouts are accepted too.
var strftimeLayout = strings.NewReplacer(
	"%Y", "2006",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
	"%f", "000000",
	"%z", "-0700",
	"%Z", "MST",
	"%%", "%",
)

// timeLayouts are tried in order when a time query does not name its format.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse reads the query_type discriminant of a JSON payload and decodes the
// matching variant. Missing or unknown discriminants yield
// ErrUnsupportedQueryType; anything wrong with the variant itself yields
// ErrMalformedQuery.
func Parse(raw []byte) (Query, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	if envelope == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrMalformedQuery)
	}

	rawType, ok := envelope["query_type"]
	if !ok {
		return nil, fmt.Errorf("%w: query_type is required", ErrUnsupportedQueryType)
	}
	var name string
	if err := json.Unmarshal(rawType, &name); err != nil {
		return nil, fmt.Errorf("%w: query_type must be a string", ErrUnsupportedQueryType)
	}

	var (
		parsed     Query
		resultType string
	)
	switch Type(name) {
	case TypeTime:
		var q TimeQuery
		if err := decodeVariant(raw, &q); err != nil {
			return nil, err
		}
		if err := q.resolveTimes(); err != nil {
			return nil, err
		}
		parsed, resultType = q, q.ResultType
	case TypeGeo:
		var q GeoQuery
		if err := decodeVariant(raw, &q); err != nil {
			return nil, err
		}
		if q.EPSG == 0 {
			q.EPSG = DefaultEPSG
		}
		xmin, ymin, xmax, ymax := q.BBox()
		if xmin > xmax || ymin > ymax {
			return nil, fmt.Errorf("%w: bounding box minimum exceeds maximum", ErrMalformedQuery)
		}
		parsed, resultType = q, q.ResultType
	case TypeText:
		var q TextQuery
		if err := decodeVariant(raw, &q); err != nil {
			return nil, err
		}
		q.Term = strings.TrimSpace(q.Term)
		if q.Term == "" {
			return nil, fmt.Errorf("%w: missing or invalid fields: term", ErrMalformedQuery)
		}
		parsed, resultType = q, q.ResultType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedQueryType, name)
	}

	if resultType != "" && resultType != ResultTypeDataset {
		return nil, fmt.Errorf("%w: %s search is not implemented, only %s", ErrMalformedQuery, resultType, ResultTypeDataset)
	}
	return parsed, nil
}

func decodeVariant(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrMalformedQuery, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		sort.Strings(fields)
		return fmt.Errorf("%w: missing or invalid fields: %s", ErrMalformedQuery, strings.Join(fields, ", "))
	}
	return nil
}

func (q *TimeQuery) resolveTimes() error {
	start, err := parseTime(q.StartTime, q.TimeFormat)
	if err != nil {
		return fmt.Errorf("%w: start_time: %v", ErrMalformedQuery, err)
	}
	end, err := parseTime(q.EndTime, q.TimeFormat)
	if err != nil {
		return fmt.Errorf("%w: end_time: %v", ErrMalformedQuery, err)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end_time precedes start_time", ErrMalformedQuery)
	}
	q.Start, q.End = start, end
	return nil
}

func parseTime(value, layout string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if layout != "" {
		return time.Parse(strftimeLayout.Replace(layout), value)
	}
	var lastErr error
	for _, l := range timeLayouts {
		t, err := time.Parse(l, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
