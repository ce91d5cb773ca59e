package history

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CSVHeader is the first row of every export.
var CSVHeader = []string{
	"Operation ID",
	"Operation Timestamp",
	"Instance ID",
	"Method",
	"From",
	"To",
	"Width",
	"Height",
	"Schema",
	"Dataset",
	"Measures",
	"Init Params",
	"Query Params",
	"Total Time (ms)",
	"Query Time (ms)",
	"Rendering Time (ms)",
	"Networking Time (ms)",
	"IO Count",
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Export writes the whole log as CSV in insertion order. Measures and
// parameter maps are written as JSON text in a single field.
func (s *Store) Export(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, e := range s.All() {
		row, err := csvRow(e)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCompressed writes the same CSV as Export, zstd-compressed.
func (s *Store) ExportCompressed(w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if err := s.Export(enc); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing zstd encoder: %w", err)
	}
	return nil
}

func csvRow(e Entry) ([]string, error) {
	measures, err := jsonField(e.Query.Measures, "[]")
	if err != nil {
		return nil, err
	}
	initParams, err := jsonField(e.Query.InitParams, "{}")
	if err != nil {
		return nil, err
	}
	queryParams, err := jsonField(e.Query.Params, "{}")
	if err != nil {
		return nil, err
	}

	return []string{
		e.operation(),
		e.Timestamp.UTC().Format(isoMillis),
		e.InstanceID,
		e.Method,
		time.UnixMilli(e.Query.From).UTC().Format(isoMillis),
		time.UnixMilli(e.Query.To).UTC().Format(isoMillis),
		strconv.Itoa(e.Query.Width),
		strconv.Itoa(e.Query.Height),
		e.Query.Schema,
		e.Query.Table,
		measures,
		initParams,
		queryParams,
		formatMs(e.Performance.Total),
		formatMs(e.Performance.Query),
		formatMs(e.Performance.Rendering),
		formatMs(e.Performance.Networking),
		strconv.FormatInt(e.Performance.IOCount, 10),
	}, nil
}

func jsonField(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding csv field: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
