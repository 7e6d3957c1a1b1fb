package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat selects the encoding used by Export
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// Export encodes records in the requested format. Unknown formats fall back to JSON.
func Export(records []Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(records)
	case ExportFormatNDJSON:
		return exportNDJSON(records)
	default:
		return exportJSON(records)
	}
}

// exportJSON exports records as a JSON array
func exportJSON(records []Record) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON exports records as newline-delimited JSON
func exportNDJSON(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports records as CSV, with details as a raw JSON column
func exportCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "CreatedAt", "TenantID", "UserID", "Action", "Table", "AttemptedTenant", "SchemaVersion", "Details"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(r.TenantID, 10),
			formatInt64Ptr(r.UserID),
			string(r.Kind),
			r.Table,
			formatInt64Ptr(r.AttemptedTenant),
			strconv.Itoa(r.SchemaVersion),
			string(r.Details),
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
