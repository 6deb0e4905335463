package beandb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Format serializes a normalized value of this kind into the text form used
// by generic single bean columns.
func (k Kind) Format(v any) (string, error) {
	v, err := k.Normalize(v)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case decimal.Decimal:
		return v.String(), nil
	default:
		return "", fmt.Errorf("cannot format %T as %v", v, k)
	}
}

// Parse is the inverse of Format.
func (k Kind) Parse(s string) (any, error) {
	switch k {
	case KindString:
		return s, nil
	case KindInt:
		return strconv.ParseInt(s, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(s, 64)
	case KindBool:
		return strconv.ParseBool(s)
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case KindDecimal:
		return decimal.NewFromString(s)
	default:
		return nil, fmt.Errorf("unknown kind %d", int(k))
	}
}
