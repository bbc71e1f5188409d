// Package report renders run progress and resume summaries as plain text.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
)

// statusOrder keeps report rows in lifecycle order
var statusOrder = []domain.JobStatus{
	domain.StatusQueued,
	domain.StatusRunning,
	domain.StatusCompleted,
	domain.StatusFailed,
	domain.StatusTimeout,
	domain.StatusCancelled,
	domain.StatusSkippedTimeoutRedundant,
	domain.StatusSkippedLowVariance,
}

// Progress renders the per-status rollup for a run
func Progress(store *jobstore.Store, runID string) (string, error) {
	run, err := store.GetRun(runID)
	if err != nil {
		return "", err
	}
	p, err := store.Progress(runID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s  [%s]  started %s\n", run.ID, run.Status, humanize.Time(run.CreatedAt))
	if run.StatusNote != "" {
		fmt.Fprintf(&b, "  note: %s\n", run.StatusNote)
	}
	fmt.Fprintf(&b, "  %d/%d jobs done (%.1f%%)\n", p.Done(), p.Total, p.Percent())
	for _, status := range statusOrder {
		if n := p.Counts[status]; n > 0 {
			fmt.Fprintf(&b, "  %-28s %d\n", status, n)
		}
	}
	return b.String(), nil
}

// Resume renders what is left to do: per-status counts plus the matrix
// cells not yet covered by a completed job, so an operator can judge
// whether resuming is worthwhile.
func Resume(store *jobstore.Store, runID string) (string, error) {
	progress, err := Progress(store, runID)
	if err != nil {
		return "", err
	}

	intended, err := store.ListCombos(runID)
	if err != nil {
		return "", err
	}
	covered, err := store.CoveredCombos(runID)
	if err != nil {
		return "", err
	}
	coveredSet := make(map[domain.ComboKey]bool, len(covered))
	for _, k := range covered {
		coveredSet[k] = true
	}

	var missing []string
	for _, k := range intended {
		if !coveredSet[k] {
			missing = append(missing, k.String())
		}
	}
	sort.Strings(missing)

	var b strings.Builder
	b.WriteString(progress)
	fmt.Fprintf(&b, "  coverage: %d/%d combinations\n", len(covered), len(intended))
	if len(missing) > 0 {
		b.WriteString("  uncovered:\n")
		for _, m := range missing {
			fmt.Fprintf(&b, "    %s\n", m)
		}
	}
	return b.String(), nil
}

// Backups renders the snapshot list
func Backups(backups []jobstore.BackupInfo) string {
	if len(backups) == 0 {
		return "no backups found\n"
	}
	var b strings.Builder
	for _, bk := range backups {
		fmt.Fprintf(&b, "%s  %s  %s\n", bk.Path, humanize.Bytes(uint64(bk.Size)), humanize.Time(bk.CreatedAt))
	}
	return b.String()
}
