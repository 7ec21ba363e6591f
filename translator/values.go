// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/goccy/go-json"
)

var columnCache sync.Map // reflect.Type -> []columnField

type columnField struct {
	name  string
	index int
}

// Columns returns the column names and values of a row in declaration order,
// as read from the `db` struct tags. Nil pointers become nil values.
func Columns(row Row) ([]string, []any) {
	v := reflect.ValueOf(row)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	fields := columnFields(v.Type())

	cols := make([]string, 0, len(fields))
	vals := make([]any, 0, len(fields))
	for _, f := range fields {
		fv := v.Field(f.index)
		cols = append(cols, f.name)
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				vals = append(vals, nil)
			} else {
				vals = append(vals, fv.Elem().Interface())
			}
			continue
		}
		vals = append(vals, fv.Interface())
	}
	return cols, vals
}

func columnFields(t reflect.Type) []columnField {
	if cached, ok := columnCache.Load(t); ok {
		return cached.([]columnField)
	}
	fields := make([]columnField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		fields = append(fields, columnField{name: tag, index: i})
	}
	columnCache.Store(t, fields)
	return fields
}

// decodeCurrent converts a generic column map, as read from the database,
// into a typed row.
func decodeCurrent(current map[string]any, dst any) error {
	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode current row: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode current row: %w", err)
	}
	return nil
}
