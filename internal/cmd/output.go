package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/3leaps/geoproc/pkg/status"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// writeRecord prints a status record as key=value lines.
func writeRecord(w io.Writer, rec *status.Record) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", rec.JobID)
	if rec.Process != "" {
		_, _ = fmt.Fprintf(w, "process=%s\n", rec.Process)
	}
	_, _ = fmt.Fprintf(w, "phase=%s\n", rec.Phase)
	_, _ = fmt.Fprintf(w, "progress=%d\n", rec.Progress)
	if rec.Message != "" {
		_, _ = fmt.Fprintf(w, "message=%s\n", rec.Message)
	}
	if rec.Owner != "" {
		_, _ = fmt.Fprintf(w, "owner=%s\n", rec.Owner)
	}
	_, _ = fmt.Fprintf(w, "stored=%t\n", rec.Stored)
	_, _ = fmt.Fprintf(w, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	}
	_, _ = fmt.Fprintf(w, "updated_at=%s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
}
