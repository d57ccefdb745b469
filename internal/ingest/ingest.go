// Package ingest loads candidate records from scrape output files in
// JSONL, CSV, and XLSX formats.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// DefaultConfidence is assigned to fields from tabular sources, which
// carry no per-field confidence of their own.
const DefaultConfidence = 0.5

// Options configures file ingestion.
type Options struct {
	Source            string  // source strategy stamped on each record
	DefaultConfidence float64 // confidence for tabular fields (default 0.5)
	Delimiter         rune    // CSV delimiter (default ',')
	SheetName         string  // XLSX sheet (default: first sheet)
	SkipRows          int     // extra XLSX rows to skip after the header
}

func (o Options) confidence() float64 {
	if o.DefaultConfidence > 0 {
		return o.DefaultConfidence
	}
	return DefaultConfidence
}

// ReadFile loads candidate records from a file, dispatching on extension.
func ReadFile(ctx context.Context, path string, opts Options) ([]model.CandidateRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer f.Close()
		return ReadJSONL(ctx, f, opts)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: open %s", path)
		}
		defer f.Close()
		return ReadCSV(ctx, f, opts)
	case ".xlsx":
		return ReadXLSX(ctx, path, opts)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
}

// Columns with reserved meaning in tabular inputs. Everything else
// becomes an entity field.
const (
	colExternalID   = "external_id"
	colCanonicalURL = "canonical_url"
	colObservedAt   = "observed_at"
)

// numericFields are coerced from their string cell representation.
var numericFields = map[string]bool{
	model.FieldPrice:          true,
	model.FieldMonthlyRevenue: true,
	model.FieldMonthlyProfit:  true,
	model.FieldMultiple:       true,
}

// rowToCandidate maps one tabular row to a candidate record using the
// header for column names. Empty cells are omitted entirely rather than
// recorded as empty fields.
func rowToCandidate(header, row []string, opts Options) model.CandidateRecord {
	c := model.CandidateRecord{
		SourceFields:    make(map[string]any),
		FieldConfidence: make(map[string]float64),
		SourceStrategy:  opts.Source,
	}

	for i, name := range header {
		if i >= len(row) {
			break
		}
		cell := strings.TrimSpace(row[i])
		if cell == "" {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))

		switch name {
		case colExternalID:
			c.ExternalID = cell
		case colCanonicalURL:
			c.CanonicalURL = cell
		case colObservedAt:
			if ts, err := time.Parse(time.RFC3339, cell); err == nil {
				c.ObservedAt = ts
			}
		default:
			if numericFields[name] {
				if v, ok := model.AsFloat(cell); ok {
					c.SourceFields[name] = v
					c.FieldConfidence[name] = opts.confidence()
				}
				continue
			}
			c.SourceFields[name] = cell
			c.FieldConfidence[name] = opts.confidence()
		}
	}
	return c
}
