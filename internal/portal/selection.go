package portal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// RowIDs is a selection's candidate rowids as sent by the map client. The
// client's arrays are not clean: numbers arrive mixed with digit strings and
// the occasional junk element. Integers and integer-valued strings are kept,
// everything else is dropped; only an empty surviving set is an error, and
// that is decided later against the layer's extent.
type RowIDs []int

func (r *RowIDs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	out := make(RowIDs, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case json.Number:
			if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
				out = append(out, int(n))
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				out = append(out, n)
			}
		}
	}
	*r = out
	return nil
}
