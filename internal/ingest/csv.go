package ingest

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// ReadCSV parses candidate records from a CSV stream. The first row is
// the header; its column names become field names except for the
// reserved identity columns.
func ReadCSV(ctx context.Context, r io.Reader, opts Options) ([]model.CandidateRecord, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}

	var records []model.CandidateRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: read cancelled")
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		records = append(records, rowToCandidate(header, row, opts))
	}
	return records, nil
}
