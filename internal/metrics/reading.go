package metrics

import (
	"database/sql"
	"encoding/json"
	"strconv"
)

// Reading is an optional metric value. The zero Reading is absent, which is
// distinct from a present reading of 0.
type Reading struct {
	value float64
	valid bool
}

// Some returns a present reading.
func Some(v float64) Reading {
	return Reading{value: v, valid: true}
}

// Absent returns a reading with no data.
func Absent() Reading {
	return Reading{}
}

// Get returns the value and whether it is present.
func (r Reading) Get() (float64, bool) {
	return r.value, r.valid
}

// Valid reports whether the reading is present.
func (r Reading) Valid() bool {
	return r.valid
}

func (r Reading) String() string {
	if !r.valid {
		return "absent"
	}
	return strconv.FormatFloat(r.value, 'f', -1, 64)
}

// MarshalJSON encodes an absent reading as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.value)
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Reading{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Some(v)
	return nil
}

// Scan implements sql.Scanner; NULL scans to an absent reading.
func (r *Reading) Scan(src any) error {
	var n sql.NullFloat64
	if err := n.Scan(src); err != nil {
		return err
	}
	*r = Reading{value: n.Float64, valid: n.Valid}
	return nil
}

func (r Reading) nullable() sql.NullFloat64 {
	return sql.NullFloat64{Float64: r.value, Valid: r.valid}
}
