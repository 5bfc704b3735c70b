package loader

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// normalize makes the records of one file JSON-encodable: mapping keys become
// strings and non-finite floats become null. A record that still cannot be
// encoded fails the whole file.
func normalize(records []model.Record) error {
	for i, rec := range records {
		for k, v := range rec {
			rec[k] = normalizeValue(v)
		}
		if _, err := json.Marshal(rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return nil
		}
	case map[string]interface{}:
		for k, x := range t {
			t[k] = normalizeValue(x)
		}
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, x := range t {
			m[fmt.Sprint(k)] = normalizeValue(x)
		}
		return m
	case []interface{}:
		for i, x := range t {
			t[i] = normalizeValue(x)
		}
	}
	return v
}
