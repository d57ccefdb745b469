package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// maxLineBytes bounds a single JSONL line. Scrape records with long
// descriptions fit comfortably; anything larger is corrupt output.
const maxLineBytes = 4 << 20

// jsonRecord is the JSONL wire form of one scraped candidate.
type jsonRecord struct {
	ExternalID    string             `json:"external_id,omitempty"`
	CanonicalURL  string             `json:"canonical_url,omitempty"`
	TitlePriceKey string             `json:"title_price_key,omitempty"`
	Fields        map[string]any     `json:"fields"`
	Confidence    map[string]float64 `json:"confidence,omitempty"`
	ObservedAt    time.Time          `json:"observed_at,omitempty"`
	Source        string             `json:"source,omitempty"`
}

// ReadJSONL parses newline-delimited JSON candidate records. Blank lines
// are skipped; a malformed line fails the whole read with its line
// number, since partial ingestion of a corrupt file is worse than none.
func ReadJSONL(ctx context.Context, r io.Reader, opts Options) ([]model.CandidateRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var records []model.CandidateRecord
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "jsonl: read cancelled")
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec jsonRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, eris.Wrapf(err, "jsonl: parse line %d", line)
		}

		c := model.CandidateRecord{
			ExternalID:              rec.ExternalID,
			CanonicalURL:            rec.CanonicalURL,
			NormalizedTitlePriceKey: rec.TitlePriceKey,
			SourceFields:            rec.Fields,
			FieldConfidence:         rec.Confidence,
			ObservedAt:              rec.ObservedAt,
			SourceStrategy:          rec.Source,
		}
		if c.SourceFields == nil {
			c.SourceFields = make(map[string]any)
		}
		if c.FieldConfidence == nil {
			c.FieldConfidence = make(map[string]float64)
			for name := range c.SourceFields {
				c.FieldConfidence[name] = opts.confidence()
			}
		}
		if c.SourceStrategy == "" {
			c.SourceStrategy = opts.Source
		}
		records = append(records, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "jsonl: scan")
	}
	return records, nil
}
