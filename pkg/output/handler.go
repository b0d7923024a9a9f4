package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Handler defines the interface for output formatting
type Handler interface {
	DisplayRecords(records []*models.RollbackRecord) error
	DisplaySnapshots(snaps []*models.DeploymentSnapshot) error
	Format() string
}

// NewHandler returns the handler for the requested format
func NewHandler(format string, w io.Writer) (Handler, error) {
	switch format {
	case "text", "":
		return &TextHandler{w: w}, nil
	case "json":
		return &JSONHandler{w: w}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// TextHandler renders human-readable tables
type TextHandler struct {
	w io.Writer
}

func (h *TextHandler) Format() string { return "text" }

func (h *TextHandler) DisplayRecords(records []*models.RollbackRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(h.w, "No rollback records found")
		return nil
	}
	fmt.Fprintf(h.w, "%-20s  %-10s  %-8s  %-30s  %s\n", "TIMESTAMP", "TYPE", "RESULT", "TARGET", "REASON")
	for _, rec := range records {
		result := "ok"
		if !rec.Success {
			result = "FAILED"
		}
		fmt.Fprintf(h.w, "%-20s  %-10s  %-8s  %-30s  %s\n",
			rec.Timestamp.Format(time.RFC3339),
			rec.RollbackType,
			result,
			truncate(rec.Target, 30),
			rec.Reason,
		)
	}
	return nil
}

func (h *TextHandler) DisplaySnapshots(snaps []*models.DeploymentSnapshot) error {
	if len(snaps) == 0 {
		fmt.Fprintln(h.w, "No deployment snapshots found")
		return nil
	}
	fmt.Fprintf(h.w, "%-20s  %-12s  %-6s  %-10s  %s\n", "TIMESTAMP", "COMMIT", "COLOR", "ROLLBACK", "IMAGES")
	for _, snap := range snaps {
		avail := "yes"
		if !snap.RollbackAvailable {
			avail = "no"
		}
		images := ""
		for i, img := range snap.DockerImages {
			if i > 0 {
				images += ", "
			}
			images += img
		}
		fmt.Fprintf(h.w, "%-20s  %-12s  %-6s  %-10s  %s\n",
			snap.Timestamp.Format(time.RFC3339),
			truncate(snap.CommitSHA, 12),
			snap.ActiveColor,
			avail,
			images,
		)
	}
	return nil
}

// JSONHandler renders machine-readable output
type JSONHandler struct {
	w io.Writer
}

func (h *JSONHandler) Format() string { return "json" }

func (h *JSONHandler) DisplayRecords(records []*models.RollbackRecord) error {
	enc := json.NewEncoder(h.w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func (h *JSONHandler) DisplaySnapshots(snaps []*models.DeploymentSnapshot) error {
	enc := json.NewEncoder(h.w)
	enc.SetIndent("", "  ")
	return enc.Encode(snaps)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
