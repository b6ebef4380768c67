package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParseError reports a secret value that could not be parsed into the
// requested type. The offending value is never included in the message.
type ParseError struct {
	Name string
	Kind string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("secrets: parse %s as %s: %v", e.Name, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// GetTyped fetches name and parses its string form into T. A string is
// returned as is; int, int64, uint16, bool, float64, and time.Duration
// use their canonical string encodings; any other type is parsed as
// JSON.
func GetTyped[T any](ctx context.Context, c *Client, name string, mode Mode) (T, error) {
	var out T
	secret, err := c.Get(ctx, name, mode)
	if err != nil {
		return out, err
	}
	raw := secret.Value()

	switch dst := any(&out).(type) {
	case *string:
		*dst = raw
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return out, &ParseError{Name: name, Kind: "int", Err: err}
		}
		*dst = v
	case *int64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return out, &ParseError{Name: name, Kind: "int64", Err: err}
		}
		*dst = v
	case *uint16:
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return out, &ParseError{Name: name, Kind: "uint16", Err: err}
		}
		*dst = uint16(v)
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return out, &ParseError{Name: name, Kind: "bool", Err: err}
		}
		*dst = v
	case *float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return out, &ParseError{Name: name, Kind: "float64", Err: err}
		}
		*dst = v
	case *time.Duration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			return out, &ParseError{Name: name, Kind: "duration", Err: err}
		}
		*dst = v
	default:
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return out, &ParseError{Name: name, Kind: fmt.Sprintf("%T", out), Err: err}
		}
	}
	return out, nil
}
