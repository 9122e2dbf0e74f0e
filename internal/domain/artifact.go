package domain

import (
	"context"
	"time"
)

// ArtifactStore keeps generated files and hands out time-limited URLs.
type ArtifactStore interface {
	// SaveFile uploads data and returns a signed URL for it.
	SaveFile(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Report is a research report a user chose to keep.
type Report struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	ResearchQuery string    `json:"research_query"`
	ReportLevel   string    `json:"report_level"`
	Persona       string    `json:"persona"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReportStore persists saved reports.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) (string, error)
}
