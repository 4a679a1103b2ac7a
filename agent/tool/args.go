package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
)

// Int accepts a JSON number or a numeric string. Null and blank strings leave it unset.
type Int struct {
	Value int64
	Set   bool
}

func (i *Int) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			return nil
		}
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	switch {
	case err == nil:
		i.Value, i.Set = n, true
		return nil
	case errors.Is(err, strconv.ErrRange):
		return fmt.Errorf("%q is out of range", raw)
	}

	// forms like 3.0 or 1e3
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%q is not a number", raw)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%q is not an integer", raw)
	}
	if math.Abs(f) > maxExactFloatInt {
		return fmt.Errorf("%q is out of range", raw)
	}
	i.Value = int64(f)
	i.Set = true
	return nil
}

// maxExactFloatInt is the largest magnitude below which every integer is exact in a float64.
const maxExactFloatInt = 1 << 53

func (i Int) Or(def int64) int64 {
	if !i.Set {
		return def
	}
	return i.Value
}

// decodeArgs maps the loosely typed argument map onto a fixed-shape record.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	if len(args) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("%w: arguments are not serializable: %v", contractx.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", contractx.ErrValidation, err)
	}
	return out, nil
}

func requirePositive(name string, v Int) (int64, error) {
	if !v.Set {
		return 0, fmt.Errorf("%w: %s is required", contractx.ErrValidation, name)
	}
	if v.Value < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %d", contractx.ErrValidation, name, v.Value)
	}
	return v.Value, nil
}

func requireText(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", contractx.ErrValidation, name)
	}
	return v, nil
}
