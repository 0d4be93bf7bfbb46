package source

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Record is a schema-less row: an identity plus column values in display order.
// The CLI uses it for tables and APIs it knows nothing about.
type Record struct {
	ID      string
	Columns []string
	Values  []any
}

// SameRecord compares records by identity.
func SameRecord(a, b Record) bool {
	return a.ID == b.ID
}

// Get returns the value of column, or nil.
func (r Record) Get(column string) any {
	if i := slices.Index(r.Columns, column); i >= 0 {
		return r.Values[i]
	}
	return nil
}

func (r Record) String() string {
	var b strings.Builder
	for i, c := range r.Columns {
		if i > 0 {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "%s=%v", c, r.Values[i])
	}
	return b.String()
}

// UnmarshalJSON decodes a JSON object. "id" becomes the identity and is
// listed first, the other keys follow in sorted order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}

	id, ok := m["id"]
	if !ok {
		return fmt.Errorf("record has no id field")
	}
	r.ID = fmt.Sprint(id)

	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	r.Columns = append([]string{"id"}, keys...)
	r.Values = make([]any, len(r.Columns))
	for i, k := range r.Columns {
		r.Values[i] = m[k]
	}
	return nil
}

// ScanRecord returns a ScanFunc that reads every selected column. idColumn
// names the column that identifies the row.
func ScanRecord(idColumn string) ScanFunc[Record] {
	return func(rows *sql.Rows) (Record, error) {
		cols, err := rows.Columns()
		if err != nil {
			return Record{}, err
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Record{}, err
		}

		rec := Record{Columns: cols, Values: values}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
			if cols[i] == idColumn {
				if values[i] == nil {
					return Record{}, fmt.Errorf("column %q is NULL", idColumn)
				}
				rec.ID = fmt.Sprint(values[i])
			}
		}
		if rec.ID == "" {
			return Record{}, fmt.Errorf("column %q missing from result", idColumn)
		}
		return rec, nil
	}
}
