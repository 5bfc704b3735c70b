package loader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
)

// parseJSON accepts an array of objects or a single object.
func parseJSON(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty document")
	}
	if data[0] == '{' {
		var obj map[string]interface{}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return []model.Record{obj}, nil
	}
	var arr []map[string]interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("want an array of objects: %w", err)
	}
	out := make([]model.Record, 0, len(arr))
	for i, obj := range arr {
		if obj == nil {
			return nil, fmt.Errorf("element %d is null", i)
		}
		out = append(out, obj)
	}
	return out, nil
}

// parseJSONLines accepts one object per non-empty line.
func parseJSONLines(path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, obj)
	}
	return out, sc.Err()
}

// delimited returns a parser for header-first delimited text.
func delimited(sep rune) parser {
	return func(path string) ([]model.Record, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.Comma = sep
		r.TrimLeadingSpace = true
		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header row")
		}
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(header))
		for _, h := range header {
			if h == "" || seen[h] {
				return nil, fmt.Errorf("invalid header %q", header)
			}
			seen[h] = true
		}

		var out []model.Record
		for {
			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			rec := make(model.Record, len(header))
			for i, h := range header {
				rec[h] = row[i]
			}
			out = append(out, rec)
		}
		return out, nil
	}
}

// parseYAML accepts a sequence of mappings or a single mapping.
func parseYAML(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	switch v := normalizeValue(doc).(type) {
	case map[string]interface{}:
		return []model.Record{v}, nil
	case []interface{}:
		out := make([]model.Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want a mapping", i, item)
			}
			out = append(out, m)
		}
		return out, nil
	case nil:
		return nil, errors.New("empty document")
	default:
		return nil, fmt.Errorf("document is %T, want a mapping or a sequence of mappings", v)
	}
}

// parseParquet reads every row. Rows come back as generated structs and are
// turned into records through their JSON form.
func parseParquet(path string) (records []model.Record, err error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, 4)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()

	// The reader panics on some corrupt files.
	defer func() {
		if r := recover(); r != nil {
			records, err = nil, fmt.Errorf("corrupt parquet file: %v", r)
		}
	}()

	rows, err := pr.ReadByNumber(int(pr.GetNumRows()))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	var objs []map[string]interface{}
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, err
	}
	records = make([]model.Record, len(objs))
	for i, o := range objs {
		records[i] = o
	}
	return records, nil
}
