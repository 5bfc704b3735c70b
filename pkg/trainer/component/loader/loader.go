// Package loader reads a directory of heterogeneous training files and
// normalizes them into one stream of records.
package loader

import (
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

// Record kinds reported in the kind field of opaque reference records and
// used as the staging kind of parsed records.
const (
	KindJSON    = "json"
	KindCSV     = "csv"
	KindTSV     = "tsv"
	KindYAML    = "yaml"
	KindParquet = "parquet"
	KindOpaque  = "opaque"
)

// Fields of an opaque reference record.
const (
	FieldLocator = "locator"
	FieldKind    = "kind"
)

// parser turns one file into all of its records, or fails.
type parser func(path string) ([]model.Record, error)

var parsers = map[string]struct {
	kind  string
	parse parser
}{
	".json":    {KindJSON, parseJSON},
	".jsonl":   {KindJSON, parseJSONLines},
	".ndjson":  {KindJSON, parseJSONLines},
	".csv":     {KindCSV, delimited(',')},
	".tsv":     {KindTSV, delimited('\t')},
	".yaml":    {KindYAML, parseYAML},
	".yml":     {KindYAML, parseYAML},
	".parquet": {KindParquet, parseParquet},
}

// FileError records a file that was skipped.
type FileError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns the cause.
func (e FileError) Unwrap() error { return e.Err }

// Dataset is a lazy, finite and restartable view of a directory.
type Dataset struct {
	dir string

	mu   sync.Mutex
	errs []FileError
}

// Load returns the Dataset for dir. Nothing is read until All is iterated.
func Load(dir string) *Dataset {
	return &Dataset{dir: dir}
}

// Dir returns the directory the dataset reads.
func (d *Dataset) Dir() string { return d.dir }

// KindOf returns the record kind a file is parsed as.
func KindOf(path string) string {
	if p, ok := parsers[strings.ToLower(filepath.Ext(path))]; ok {
		return p.kind
	}
	return KindOpaque
}

// All yields (source path, record) pairs. Files are visited in lexical order,
// recursively. Each call re-reads the directory and resets Errors. A file that
// cannot be parsed contributes no record and is reported in Errors.
func (d *Dataset) All() iter.Seq2[string, model.Record] {
	return func(yield func(string, model.Record) bool) {
		d.mu.Lock()
		d.errs = nil
		d.mu.Unlock()

		err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				d.skip(path, walkErr)
				if entry != nil && entry.IsDir() && path != d.dir {
					return fs.SkipDir
				}
				return nil
			}
			if entry.IsDir() {
				if path != d.dir && strings.HasPrefix(entry.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
				return nil
			}
			records, err := readFile(path)
			if err != nil {
				d.skip(path, err)
				return nil
			}
			for _, rec := range records {
				if !yield(path, rec) {
					return fs.SkipAll
				}
			}
			return nil
		})
		if err != nil {
			d.skip(d.dir, err)
		}
	}
}

// Records collects one full pass over the dataset.
func (d *Dataset) Records() ([]string, []model.Record) {
	var sources []string
	var records []model.Record
	for src, rec := range d.All() {
		sources = append(sources, src)
		records = append(records, rec)
	}
	return sources, records
}

func readFile(path string) ([]model.Record, error) {
	p, ok := parsers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return []model.Record{opaque(path)}, nil
	}
	records, err := p.parse(path)
	if err == nil {
		err = normalize(records)
	}
	if err != nil {
		return nil, fmt.Errorf("%s input: %w", p.kind, err)
	}
	return records, nil
}

// opaque is the reference record of a file that has no recognized shape.
func opaque(path string) model.Record {
	kind := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if kind == "" {
		kind = "binary"
	}
	return model.Record{FieldLocator: path, FieldKind: kind}
}

func (d *Dataset) skip(path string, err error) {
	logger.Warnf("Skipping %s: %v", path, err)
	d.mu.Lock()
	d.errs = append(d.errs, FileError{Path: path, Err: err})
	d.mu.Unlock()
}

// Errors returns the files skipped during the last pass.
func (d *Dataset) Errors() []FileError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FileError(nil), d.errs...)
}

// Err aggregates Errors, or returns nil when the last pass skipped nothing.
func (d *Dataset) Err() error {
	var result error
	for _, fe := range d.Errors() {
		result = multierror.Append(result, fe)
	}
	return result
}

// Exists reports whether the dataset directory can be read.
func (d *Dataset) Exists() bool {
	st, err := os.Stat(d.dir)
	return err == nil && st.IsDir()
}
