package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/listing-reconciler/internal/model"
)

func TestReadJSONL(t *testing.T) {
	input := `
{"external_id":"ext-1","canonical_url":"https://flippa.com/listings/1","fields":{"title":"SaaS Business","price":55000},"confidence":{"title":0.9,"price":0.85},"source":"flippa"}

{"fields":{"title":"Content Site","price":"12,000"}}
`
	records, err := ReadJSONL(context.Background(), strings.NewReader(input), Options{Source: "flippa"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "ext-1", records[0].ExternalID)
	assert.Equal(t, "https://flippa.com/listings/1", records[0].CanonicalURL)
	assert.InDelta(t, 0.85, records[0].FieldConfidence[model.FieldPrice], 0.0001)
	assert.Equal(t, "flippa", records[0].SourceStrategy)

	// Missing confidence map gets the default for every field.
	assert.InDelta(t, DefaultConfidence, records[1].FieldConfidence[model.FieldTitle], 0.0001)
	assert.Equal(t, "flippa", records[1].SourceStrategy)
}

func TestReadJSONLMalformedLine(t *testing.T) {
	input := `{"fields":{"title":"ok"}}
{not json`
	_, err := ReadJSONL(context.Background(), strings.NewReader(input), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadCSV(t *testing.T) {
	input := `external_id,canonical_url,title,price,monthly_profit,category
ext-1,https://flippa.com/listings/1,SaaS Business,"55,000",2500,saas
,,Content Site,12000,,content
`
	records, err := ReadCSV(context.Background(), strings.NewReader(input), Options{Source: "flippa"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "ext-1", first.ExternalID)
	assert.InDelta(t, 55000.0, first.SourceFields[model.FieldPrice].(float64), 0.001)
	assert.InDelta(t, 2500.0, first.SourceFields[model.FieldMonthlyProfit].(float64), 0.001)
	assert.Equal(t, "saas", first.SourceFields[model.FieldCategory])
	assert.InDelta(t, DefaultConfidence, first.Confidence(model.FieldPrice), 0.0001)

	second := records[1]
	assert.Empty(t, second.ExternalID)
	assert.NotContains(t, second.SourceFields, model.FieldMonthlyProfit)
}

func TestReadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.xlsx")

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Listings")
	require.NoError(t, err)

	for _, cells := range [][]string{
		{"external_id", "title", "price"},
		{"ext-1", "SaaS Business", "55000"},
		{"", "", ""},
		{"ext-2", "Content Site", "12000"},
	} {
		row := sheet.AddRow()
		for _, v := range cells {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))

	records, err := ReadXLSX(context.Background(), path, Options{Source: "upload"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ext-1", records[0].ExternalID)
	assert.InDelta(t, 55000.0, records[0].SourceFields[model.FieldPrice].(float64), 0.001)
	assert.Equal(t, "ext-2", records[1].ExternalID)
}

func TestReadFileDispatch(t *testing.T) {
	dir := t.TempDir()

	jsonlPath := filepath.Join(dir, "batch.jsonl")
	require.NoError(t, os.WriteFile(jsonlPath,
		[]byte(`{"external_id":"ext-1","fields":{"title":"SaaS"}}`), 0o644))

	records, err := ReadFile(context.Background(), jsonlPath, Options{})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = ReadFile(context.Background(), filepath.Join(dir, "batch.pdf"), Options{})
	require.Error(t, err)
}
