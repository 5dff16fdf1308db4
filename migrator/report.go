package migrator

import (
	"sync"
	"time"
)

type TableReport struct {
	Table     string      `json:"table"`
	Status    TableStatus `json:"status"`
	Total     int64       `json:"estimated_rows"`
	Attempted int64       `json:"attempted"`
	Committed int64       `json:"committed"`
	Failed    int64       `json:"failed"`
	Error     string      `json:"error,omitempty"`
}

// MigrationReport is the aggregate outcome of one run.
type MigrationReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Tables     []TableReport `json:"tables"`
	FailedRows []FailedRow   `json:"failed_rows"`
	Warnings   []Warning     `json:"warnings"`
	Fatal      string        `json:"fatal,omitempty"`
}

func (r MigrationReport) TotalCommitted() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Committed
	}
	return n
}

func (r MigrationReport) TotalFailed() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Failed
	}
	return n
}

// Succeeded reports whether the run had no fatal error, every table completed
// and no more than maxFailedRows rows were catalogued as failed.
func (r MigrationReport) Succeeded(maxFailedRows int64) bool {
	if r.Fatal != "" {
		return false
	}
	for _, t := range r.Tables {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return r.TotalFailed() <= maxFailedRows
}

// Reporter builds a MigrationReport from engine events. It only accumulates;
// nothing it holds feeds back into the engine.
type Reporter struct {
	mu     sync.Mutex
	report MigrationReport
	index  map[string]int
	now    func() time.Time
}

func NewReporter() *Reporter {
	r := &Reporter{index: make(map[string]int), now: time.Now}
	r.report.StartedAt = r.now()
	return r
}

func (r *Reporter) table(name string) *TableReport {
	i, ok := r.index[name]
	if !ok {
		i = len(r.report.Tables)
		r.index[name] = i
		r.report.Tables = append(r.report.Tables, TableReport{Table: name, Status: StatusPending})
	}
	return &r.report.Tables[i]
}

func (r *Reporter) Observe(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case EventTableStarted, EventProgress, EventTableFinished:
		t := r.table(ev.Table)
		if ev.RowsTotal > 0 {
			t.Total = ev.RowsTotal
		}
		t.Attempted = max(t.Attempted, ev.RowsDone)
		t.Committed = max(t.Committed, ev.RowsCommitted)
		t.Failed = max(t.Failed, ev.FailedSoFar)
		if ev.Status != "" {
			t.Status = ev.Status
		}
		if ev.Kind == EventTableFinished && ev.Status == StatusFailed {
			t.Error = ev.Message
		}
	case EventRowFailed:
		if ev.FailedRow != nil {
			r.report.FailedRows = append(r.report.FailedRows, *ev.FailedRow)
		}
	case EventWarning:
		r.report.Warnings = append(r.report.Warnings, Warning{Kind: WarningData, Table: ev.Table, Message: ev.Message})
	}
}

// AddWarnings records pre-flight warnings.
func (r *Reporter) AddWarnings(warnings []Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Warnings = append(r.report.Warnings, warnings...)
}

// SetFatal records the error that aborted the run.
func (r *Reporter) SetFatal(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Fatal = err.Error()
}

// Finish stamps the end time and returns a copy of the report.
func (r *Reporter) Finish() MigrationReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.FinishedAt = r.now()
	r.report.Elapsed = r.report.FinishedAt.Sub(r.report.StartedAt)

	out := r.report
	out.Tables = append([]TableReport(nil), r.report.Tables...)
	out.FailedRows = append([]FailedRow(nil), r.report.FailedRows...)
	out.Warnings = append([]Warning(nil), r.report.Warnings...)
	return out
}
