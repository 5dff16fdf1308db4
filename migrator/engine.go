package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine moves rows from a verified source to a target, table by table and
// batch by batch, recording progress in a CheckpointStore after every commit.
type Engine struct {
	cfg      Config
	source   Source
	target   Target
	store    *CheckpointStore
	mapper   Mapper
	metrics  *Metrics
	observer Observer
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver adds an observer that receives every ProgressEvent.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = multiObserver{e.observer, o}
	}
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine returns an engine for cfg. cfg is expected to come from NewConfig.
func NewEngine(cfg Config, source Source, target Target, store *CheckpointStore, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		source:   source,
		target:   target,
		store:    store,
		mapper:   Mapper{JSONFallback: cfg.JSONFallback},
		observer: multiObserver{},
		logger:   logger.With(zap.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	return e
}

type multiObserver []Observer

func (m multiObserver) Observe(ev ProgressEvent) {
	for _, o := range m {
		if o != nil {
			o.Observe(ev)
		}
	}
}

func (e *Engine) emit(ev ProgressEvent) {
	ev.Time = time.Now()
	e.observer.Observe(ev)
}

// Migrate locks the run, verifies source and target and transfers every table.
// The report is complete even when an error is returned.
func (e *Engine) Migrate(ctx context.Context) (MigrationReport, error) {
	reporter := NewReporter()
	e.observer = multiObserver{reporter, e.observer}

	err := e.migrate(ctx, reporter)
	if err != nil && !errors.Is(err, ErrInterrupted) && IsFatal(err) {
		reporter.SetFatal(err)
	}
	report := reporter.Finish()

	e.logger.Info("migration finished",
		zap.Duration("elapsed", report.Elapsed),
		zap.Int64("rows_committed", report.TotalCommitted()),
		zap.Int64("rows_failed", report.TotalFailed()),
		zap.Bool("succeeded", report.Succeeded(e.cfg.MaxFailedRows)),
	)
	return report, err
}

func (e *Engine) migrate(ctx context.Context, reporter *Reporter) error {
	if err := e.store.Lock(ctx, e.cfg.LockTTL); err != nil {
		return err
	}
	// Verification alone can outlast the lock TTL on a large source.
	stop := e.store.KeepAlive(ctx, e.cfg.LockTTL/3)
	defer stop()

	readiness, err := NewVerifier(e.source, e.target, e.cfg, e.logger).Verify(ctx)
	reporter.AddWarnings(readiness.Warnings)
	if err != nil {
		return err
	}
	if !readiness.Ready {
		return ErrNotReady
	}

	return e.Transfer(ctx, readiness.Tables)
}

// Transfer runs every table plan. Tables are loaded in foreign key order;
// independent tables run concurrently up to cfg.Workers. A failed table does
// not stop the others; the returned error joins every table failure. Losing
// the run lock stops the run.
func (e *Engine) Transfer(ctx context.Context, plans []TablePlan) error {
	byName := make(map[string]TablePlan, len(plans))
	sources := make([]TableDescriptor, len(plans))
	for i, plan := range plans {
		byName[plan.Source.Name] = plan
		sources[i] = plan.Source
	}

	var (
		mu     sync.Mutex
		failed []error
	)
	for _, level := range loadLevels(sources) {
		if ctx.Err() != nil {
			return ErrInterrupted
		}

		g := new(errgroup.Group)
		g.SetLimit(e.cfg.Workers)
		for _, table := range level {
			plan := byName[table.Name]
			g.Go(func() error {
				err := e.transferTable(ctx, plan)
				var lost *ConcurrentMigrationError
				if errors.Is(err, ErrInterrupted) || errors.As(err, &lost) {
					return err
				}
				if err != nil {
					mu.Lock()
					failed = append(failed, err)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	return errors.Join(failed...)
}

func (e *Engine) transferTable(ctx context.Context, plan TablePlan) error {
	table := plan.Source
	logger := e.logger.With(zap.String("table", table.Name))

	cp, found, err := e.store.Load(ctx, table.Name)
	if err != nil {
		return e.failTable(ctx, Checkpoint{Table: table.Name}, table, err)
	}

	if found && cp.Status == StatusCompleted {
		logger.Info("table already migrated, skipping",
			zap.Int64("rows_committed", cp.RowsCommitted), zap.Int64("rows_failed", cp.RowsFailed))
		done := cp.RowsCommitted + cp.RowsFailed
		e.emit(ProgressEvent{Kind: EventTableStarted, Table: table.Name, RowsDone: done, RowsTotal: table.EstimatedRowCount,
			RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed, Status: StatusInProgress})
		e.emit(ProgressEvent{Kind: EventTableFinished, Table: table.Name, RowsDone: done, RowsTotal: table.EstimatedRowCount,
			RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed, Status: StatusCompleted, Message: "already migrated"})
		e.metrics.TablesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	if !found {
		cp = Checkpoint{Table: table.Name}
		if e.cfg.TruncateOnStart {
			if err := e.target.Truncate(context.WithoutCancel(ctx), plan.Target); err != nil {
				return e.failTable(ctx, cp, table, err)
			}
		}
	} else {
		logger.Info("resuming table",
			zap.Int64("offset", cp.Position.Offset), zap.Int64("last_rowid", cp.Position.LastRowID),
			zap.String("previous_status", string(cp.Status)))
	}
	cp.Status = StatusInProgress

	// The batch after the last saved checkpoint may already be on the target
	// if the previous run stopped between commit and save.
	replay := found || !e.cfg.TruncateOnStart

	e.emit(ProgressEvent{Kind: EventTableStarted, Table: table.Name, RowsDone: cp.RowsCommitted + cp.RowsFailed,
		RowsTotal: table.EstimatedRowCount, RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed, Status: StatusInProgress})
	logger.Info("transferring table", zap.Int64("estimated_rows", table.EstimatedRowCount))

	for {
		if ctx.Err() != nil {
			logger.Info("interrupted between batches", zap.Int64("offset", cp.Position.Offset))
			e.emit(ProgressEvent{Kind: EventTableFinished, Table: table.Name, RowsDone: cp.RowsCommitted + cp.RowsFailed,
				RowsTotal: table.EstimatedRowCount, RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed,
				Status: StatusInProgress, Message: "interrupted"})
			return ErrInterrupted
		}

		start := time.Now()
		batch, err := e.source.ReadBatch(ctx, table, cp.Position, e.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return e.failTable(ctx, cp, table, fmt.Errorf("read batch at offset %d: %w", cp.Position.Offset, err))
		}
		if len(batch.Rows) == 0 {
			break
		}

		result, err := e.processBatch(context.WithoutCancel(ctx), plan, batch, cp.Position, replay, logger)
		if err != nil {
			// Rows committed before the failure must not be written again.
			if result.next != cp.Position {
				if saveErr := e.recordBatch(ctx, &cp, table, result, start); saveErr != nil {
					return e.failTable(ctx, cp, table, saveErr)
				}
			}
			return e.failTable(ctx, cp, table, err)
		}
		replay = false

		if err := e.recordBatch(ctx, &cp, table, result, start); err != nil {
			return e.failTable(ctx, cp, table, err)
		}
	}

	cp.Status = StatusCompleted
	if err := e.store.Save(context.WithoutCancel(ctx), cp, nil); err != nil {
		return e.failTable(ctx, cp, table, fmt.Errorf("save checkpoint: %w", err))
	}
	e.checkRowCount(ctx, plan, cp, logger)

	e.metrics.TablesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	e.emit(ProgressEvent{Kind: EventTableFinished, Table: table.Name, RowsDone: cp.RowsCommitted + cp.RowsFailed,
		RowsTotal: table.EstimatedRowCount, RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed, Status: StatusCompleted})
	logger.Info("table completed", zap.Int64("rows_committed", cp.RowsCommitted), zap.Int64("rows_failed", cp.RowsFailed))
	return nil
}

// failTable records the table as failed at its last committed position.
func (e *Engine) failTable(ctx context.Context, cp Checkpoint, table TableDescriptor, cause error) error {
	e.logger.Error("table failed", zap.String("table", table.Name), zap.Error(cause))

	cp.Status = StatusFailed
	if err := e.store.Save(context.WithoutCancel(ctx), cp, nil); err != nil {
		e.logger.Error("failed to record table failure", zap.String("table", table.Name), zap.Error(err))
	}

	e.metrics.TablesTotal.WithLabelValues(string(StatusFailed)).Inc()
	e.emit(ProgressEvent{Kind: EventTableFinished, Table: table.Name, RowsDone: cp.RowsCommitted + cp.RowsFailed,
		RowsTotal: table.EstimatedRowCount, RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed,
		Status: StatusFailed, Message: cause.Error()})
	return &TableFailedError{Table: table.Name, Err: cause}
}

// checkRowCount compares the target's row count with what this table's
// checkpoints claim was committed.
func (e *Engine) checkRowCount(ctx context.Context, plan TablePlan, cp Checkpoint, logger *zap.Logger) {
	count, err := e.target.CountRows(context.WithoutCancel(ctx), plan.Target)
	if err != nil {
		logger.Warn("could not count target rows", zap.Error(err))
		return
	}
	if count < cp.RowsCommitted {
		e.emit(ProgressEvent{Kind: EventWarning, Table: plan.Source.Name,
			Message: fmt.Sprintf("target holds %d rows but %d were committed", count, cp.RowsCommitted)})
	}
}

type batchResult struct {
	next      Position // cursor past the last row accounted for
	committed int64
	failed    []FailedRow
	warnings  []string
}

// recordBatch saves cp advanced past result, together with the batch's failed
// rows, and reports progress. cp changes only once the save succeeded.
func (e *Engine) recordBatch(ctx context.Context, cp *Checkpoint, source TableDescriptor, result batchResult, start time.Time) error {
	next := *cp
	next.Position = result.next
	next.RowsCommitted += result.committed
	next.RowsFailed += int64(len(result.failed))
	if err := e.store.Save(context.WithoutCancel(ctx), next, result.failed); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	*cp = next
	table := source.Name

	e.metrics.RowsCommitted.WithLabelValues(table).Add(float64(result.committed))
	e.metrics.RowsFailed.WithLabelValues(table).Add(float64(len(result.failed)))
	e.metrics.BatchDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())

	for i := range result.failed {
		e.emit(ProgressEvent{Kind: EventRowFailed, Table: table, FailedRow: &result.failed[i], Message: result.failed[i].Error})
	}
	for _, w := range result.warnings {
		e.emit(ProgressEvent{Kind: EventWarning, Table: table, Message: w})
	}
	e.emit(ProgressEvent{Kind: EventProgress, Table: table, RowsDone: cp.RowsCommitted + cp.RowsFailed,
		RowsTotal: source.EstimatedRowCount, RowsCommitted: cp.RowsCommitted, FailedSoFar: cp.RowsFailed, Status: StatusInProgress})
	return nil
}

// processBatch converts and writes one batch. Rows that cannot be converted or
// written are returned as failed. An error means the table cannot continue;
// the result then covers only the rows before the one that stopped it.
func (e *Engine) processBatch(ctx context.Context, plan TablePlan, batch RowBatch, from Position, replay bool, logger *zap.Logger) (batchResult, error) {
	result := batchResult{next: batch.Next}
	table := plan.Source

	var convertFailed []FailedRow
	var convertFailedAt []int64
	rows := make([]SourceRow, 0, len(batch.Rows))
	values := make([][]any, 0, len(batch.Rows))
	for _, row := range batch.Rows {
		converted, warnings, err := e.convertRow(plan, row)
		if err != nil {
			convertFailed = append(convertFailed, newFailedRow(table, row, err))
			convertFailedAt = append(convertFailedAt, row.Offset)
			continue
		}
		result.warnings = append(result.warnings, warnings...)
		rows = append(rows, row)
		values = append(values, converted)
	}

	committed, failed, stopped, err := e.writeRows(ctx, plan, rows, values, replay, logger)
	result.committed = committed
	if err == nil {
		result.failed = append(convertFailed, failed...)
		return result, nil
	}

	// Account only for source rows before the one that stopped the table.
	stopAt := rows[stopped].Offset
	result.next = from
	for _, row := range batch.Rows {
		if row.Offset >= stopAt {
			break
		}
		result.next = row.Next
	}
	for i, at := range convertFailedAt {
		if at < stopAt {
			result.failed = append(result.failed, convertFailed[i])
		}
	}
	result.failed = append(result.failed, failed...)
	return result, err
}

func (e *Engine) convertRow(plan TablePlan, row SourceRow) ([]any, []string, error) {
	values := make([]any, len(plan.Columns))
	var warnings []string
	for i, col := range plan.Columns {
		c, err := e.mapper.Convert(col, row.Values[i])
		if err != nil {
			return nil, nil, err
		}
		if c.Warning != "" {
			warnings = append(warnings, fmt.Sprintf("row %s column %s: %s", row.ID, col.Source.Name, c.Warning))
		}
		values[i] = c.Value
	}
	return values, warnings, nil
}

// writeRows writes rows as one batch and falls back to one row at a time when
// the batch fails. On error, stopped is the index of the row that could not be
// written; rows before it are committed or failed.
func (e *Engine) writeRows(ctx context.Context, plan TablePlan, rows []SourceRow, values [][]any, replay bool, logger *zap.Logger) (committed int64, failed []FailedRow, stopped int, err error) {
	if len(values) == 0 {
		return 0, nil, 0, nil
	}

	columns := plan.TargetColumnNames()
	opts := WriteOptions{SkipConflicts: replay && len(plan.Target.PrimaryKey) > 0}
	notify := func(err error, wait time.Duration) {
		e.metrics.BatchRetries.WithLabelValues(plan.Source.Name).Inc()
		logger.Warn("transient write error, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}

	err = retryTransient(ctx, e.cfg.Retry, notify, func() error {
		return e.target.WriteBatch(ctx, plan.Target, columns, values, opts)
	})
	if err == nil {
		return int64(len(values)), nil, 0, nil
	}
	if classifyWriteError(err) == failTable {
		return 0, nil, 0, err
	}

	e.metrics.RowFallbacks.WithLabelValues(plan.Source.Name).Inc()
	logger.Warn("batch write failed, writing rows individually", zap.Int("rows", len(values)), zap.Error(err))

	for i, row := range values {
		err := retryTransient(ctx, e.cfg.Retry, notify, func() error {
			return e.target.WriteBatch(ctx, plan.Target, columns, [][]any{row}, opts)
		})
		if err == nil {
			committed++
			continue
		}
		if class := classifyWriteError(err); class != failRow {
			return committed, failed, i, fmt.Errorf("write row %s: %w", rows[i].ID, err)
		}
		failed = append(failed, newFailedRow(plan.Source, rows[i], err))
	}
	return committed, failed, 0, nil
}

func newFailedRow(table TableDescriptor, row SourceRow, err error) FailedRow {
	return FailedRow{
		Table:   table.Name,
		RowID:   row.ID,
		Payload: rowPayload(table.ColumnNames(), row.Values),
		Error:   err.Error(),
	}
}
