package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// ReadXLSX parses candidate records from an XLSX workbook. The first row
// of the selected sheet is the header.
func ReadXLSX(ctx context.Context, path string, opts Options) ([]model.CandidateRecord, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := selectSheet(f, opts.SheetName)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := rowStrings(sheet.Rows[0])
	var records []model.CandidateRecord
	for i, row := range sheet.Rows[1:] {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "xlsx: read cancelled")
		}
		if i < opts.SkipRows {
			continue
		}
		cells := rowStrings(row)
		if empty(cells) {
			continue
		}
		records = append(records, rowToCandidate(header, cells, opts))
	}
	return records, nil
}

func selectSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func empty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
