package backup

import (
	"log/slog"
	"time"
)

// FailedCopy is a keep-window file whose upload could not be verified
type FailedCopy struct {
	Name string
	Key  string
	Err  error
}

// Report is the outcome of one reconciliation pass. Every list holds file names
// relative to the destination prefix. In a dry run the lists describe what would have happened.
type Report struct {
	Uploaded      []string
	Present       []string
	Expired       []string
	RemoteDeleted []string
	EmptyRemoved  []string
	Failed        []*FailedCopy
	Orphans       []string

	BytesUploaded int64
	DryRun        bool
	Duration      time.Duration
}

// OK is true when every file in the keep window is present remotely
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// FailedNames returns the names of the failed copies
func (r *Report) FailedNames() []string {
	names := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		names = append(names, f.Name)
	}
	return names
}

func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("uploaded", len(r.Uploaded)),
		slog.Int("present", len(r.Present)),
		slog.Int("expired", len(r.Expired)),
		slog.Int("remoteDeleted", len(r.RemoteDeleted)),
		slog.Int("emptyRemoved", len(r.EmptyRemoved)),
		slog.Int("failed", len(r.Failed)),
		slog.Int("orphans", len(r.Orphans)),
		slog.Bool("dryRun", r.DryRun),
		slog.Duration("took", r.Duration),
	)
}

var _ slog.LogValuer = (*Report)(nil)
