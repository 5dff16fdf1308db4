package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/mudrockdev/mudrockmigrate/migrator"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// maxListedFailedRows caps the failed rows printed in the summary; the full
// list is in the checkpoint file and the JSON report.
const maxListedFailedRows = 20

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// renderer shows engine progress, as one bar per table on a terminal and as
// log lines otherwise.
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.Logger
	bars   bool

	current     *progressbar.ProgressBar
	lastPercent map[string]int
}

func newRenderer(out io.Writer, logger *zap.Logger, bars bool) *renderer {
	return &renderer{
		out:         out,
		logger:      logger.With(zap.String("component", "progress")),
		bars:        bars,
		lastPercent: make(map[string]int),
	}
}

func (r *renderer) Observe(ev migrator.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case migrator.EventTableStarted:
		if r.bars {
			r.startBar(ev)
			return
		}
		r.lastPercent[ev.Table] = -1
		r.logger.Info("table started", zap.String("table", ev.Table),
			zap.Int64("rows_done", ev.RowsDone), zap.Int64("rows_total", ev.RowsTotal))

	case migrator.EventProgress:
		if r.bars {
			r.setBar(ev.RowsDone)
			return
		}
		// one line per 10% step
		percent := 100
		if ev.RowsTotal > 0 {
			percent = int(min(ev.RowsDone*100/ev.RowsTotal, 100))
		}
		if step := percent / 10 * 10; step > r.lastPercent[ev.Table] {
			r.lastPercent[ev.Table] = step
			r.logger.Info("table progress", zap.String("table", ev.Table), zap.Int("percent", step),
				zap.Int64("rows_committed", ev.RowsCommitted), zap.Int64("rows_failed", ev.FailedSoFar))
		}

	case migrator.EventRowFailed:
		if r.bars {
			return
		}
		if ev.FailedRow != nil {
			r.logger.Warn("row failed", zap.String("table", ev.Table),
				zap.String("row_id", ev.FailedRow.RowID), zap.String("error", ev.FailedRow.Error))
		}

	case migrator.EventWarning:
		r.logger.Warn("data warning", zap.String("table", ev.Table), zap.String("message", ev.Message))

	case migrator.EventTableFinished:
		if r.bars {
			r.finishBar(ev)
			return
		}
		fields := []zap.Field{
			zap.String("table", ev.Table),
			zap.String("status", string(ev.Status)),
			zap.Int64("rows_committed", ev.RowsCommitted),
			zap.Int64("rows_failed", ev.FailedSoFar),
		}
		if ev.Message != "" {
			fields = append(fields, zap.String("message", ev.Message))
		}
		r.logger.Info("table finished", fields...)
	}
}

func (r *renderer) startBar(ev migrator.ProgressEvent) {
	total := max(ev.RowsTotal, ev.RowsDone)
	if total == 0 {
		total = -1
	}
	r.current = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%-24s", ev.Table)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.out) }),
	)
	r.setBar(ev.RowsDone)
}

func (r *renderer) setBar(done int64) {
	if r.current == nil {
		return
	}
	if limit := r.current.GetMax64(); limit >= 0 && done > limit {
		r.current.ChangeMax64(done)
	}
	_ = r.current.Set64(done)
}

func (r *renderer) finishBar(ev migrator.ProgressEvent) {
	if r.current == nil {
		return
	}
	r.setBar(ev.RowsDone)
	if ev.Status == migrator.StatusCompleted {
		_ = r.current.Finish()
	} else {
		_ = r.current.Exit()
		fmt.Fprintf(r.out, "\n%s: %s %s\n", ev.Table, ev.Status, ev.Message)
	}
	r.current = nil
}

// Close stops a bar left running by an interrupted table.
func (r *renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		_ = r.current.Exit()
		fmt.Fprintln(r.out)
		r.current = nil
	}
}

func printDatabaseInfo(ctx context.Context, out io.Writer, src migrator.Source, cfg migrator.Config, logger *zap.Logger) {
	info, err := src.GetDatabaseInfo(ctx)
	if err != nil {
		logger.Warn("couldn't collect full source database info", zap.Error(err))
	}

	fmt.Fprintln(out, "\n=== Database Information ===")
	fmt.Fprintf(out, "Source: %s, Tables: %d, Size: %s\n", cfg.SourcePath, info.TableCount, humanize.IBytes(uint64(info.TotalSize)))
	fmt.Fprintf(out, "Target: %s, Schema: %s\n", cfg.Target.Address(), cfg.Target.Schema)
	fmt.Fprintf(out, "Batch size: %d, Workers: %d, Checkpoint: %s\n\n", cfg.BatchSize, cfg.Workers, cfg.CheckpointPath)
}

func printSummary(out io.Writer, report migrator.MigrationReport, maxFailedRows int64) {
	fmt.Fprintln(out, "\n=== Migration Summary ===")

	if report.Fatal != "" {
		fmt.Fprintf(out, "Migration refused: %s\n", report.Fatal)
	}

	if len(report.Tables) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(out)
		t.AppendHeader(table.Row{"Table", "Status", "Rows", "Committed", "Failed", "Error"})
		for _, tr := range report.Tables {
			t.AppendRow(table.Row{tr.Table, tr.Status, tr.Total, tr.Committed, tr.Failed, truncate(tr.Error, 60)})
		}
		t.AppendFooter(table.Row{"Total", "", "", report.TotalCommitted(), report.TotalFailed(), ""})
		t.Render()
	}

	if len(report.Warnings) > 0 {
		fmt.Fprintf(out, "\nWarnings (%d):\n", len(report.Warnings))
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "- %s\n", w)
		}
	}

	if len(report.FailedRows) > 0 {
		fmt.Fprintf(out, "\nFailed rows (%d):\n", len(report.FailedRows))
		printFailedRows(out, report.FailedRows, maxListedFailedRows)
	}

	fmt.Fprintf(out, "\nElapsed: %s\n", report.Elapsed.Round(time.Millisecond))
	if report.Succeeded(maxFailedRows) {
		fmt.Fprintln(out, "\n=== Migration Complete ===")
	} else {
		fmt.Fprintln(out, "\n=== Migration Incomplete ===")
	}
}

// printFailedRows renders rows as a table; limit 0 prints them all.
func printFailedRows(out io.Writer, rows []migrator.FailedRow, limit int) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No failed rows.")
		return
	}

	shown := rows
	if limit > 0 && len(rows) > limit {
		shown = rows[:limit]
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Table", "Row", "Error", "Payload"})
	for _, row := range shown {
		t.AppendRow(table.Row{row.Table, row.RowID, truncate(row.Error, 60), truncate(formatPayload(row.Payload), 60)})
	}
	t.Render()

	if len(shown) < len(rows) {
		fmt.Fprintf(out, "(and %d more failed rows)\n", len(rows)-len(shown))
	}
}

func formatPayload(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + payload[k]
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeReportFile(path string, report migrator.MigrationReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := writeJSON(f, report); err != nil {
		f.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return f.Close()
}
