package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONSafe coerces a store value into something the JSON encoder accepts.
// Values that cannot be marshaled are replaced by their string form instead
// of failing the whole response.
func JSONSafe(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64, json.Number:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return fmt.Sprintf("%x", t)
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return fmt.Sprint(v)
}
