package migrator

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sort"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

type WarningKind string

const (
	WarningResource WarningKind = "resource"
	WarningSchema   WarningKind = "schema"
	WarningData     WarningKind = "data"
)

// Warning is a non-fatal finding surfaced to the operator.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Table   string      `json:"table,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	if w.Table == "" {
		return fmt.Sprintf("[%s] %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", w.Kind, w.Table, w.Message)
}

// Readiness is the outcome of pre-flight verification. The engine refuses to
// transfer unless Ready is set.
type Readiness struct {
	Ready    bool
	Tables   []TablePlan
	Warnings []Warning
}

// batchMemoryOverhead approximates how much larger a batch is in memory than
// on disk: scanned values, converted values and driver buffers.
const batchMemoryOverhead = 4

// Verifier runs the pre-flight checks against a source and target pair.
type Verifier struct {
	source Source
	target Target
	cfg    Config
	logger *zap.Logger
}

func NewVerifier(source Source, target Target, cfg Config, logger *zap.Logger) *Verifier {
	return &Verifier{
		source: source,
		target: target,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "verifier")),
	}
}

// Verify checks, in order, source consistency, target reachability, target
// schema coverage and memory headroom. The first three are fatal.
func (v *Verifier) Verify(ctx context.Context) (Readiness, error) {
	var readiness Readiness

	v.logger.Info("checking source database integrity", zap.String("path", v.source.Path()))
	if err := v.source.CheckIntegrity(ctx); err != nil {
		return readiness, err
	}

	v.logger.Info("checking target connection", zap.String("target", v.target.Address()))
	if err := v.target.Ping(ctx); err != nil {
		return readiness, err
	}

	tables, err := InspectSource(ctx, v.source, v.cfg.ExcludeTables)
	if err != nil {
		return readiness, err
	}

	notBootstrapped := &TargetNotBootstrappedError{MissingColumns: map[string][]string{}}
	for _, table := range tables {
		targetTable, exists, err := InspectTarget(ctx, v.target, table.Name)
		if err != nil {
			return readiness, err
		}
		if !exists {
			notBootstrapped.MissingTables = append(notBootstrapped.MissingTables, table.Name)
			continue
		}

		plan, missing, differences := compareTableSchema(table, targetTable)
		if len(missing) > 0 {
			notBootstrapped.MissingColumns[table.Name] = missing
			continue
		}
		for _, diff := range differences {
			readiness.Warnings = append(readiness.Warnings, Warning{Kind: WarningSchema, Table: table.Name, Message: diff})
		}
		readiness.Tables = append(readiness.Tables, plan)
	}
	if len(notBootstrapped.MissingTables) > 0 || len(notBootstrapped.MissingColumns) > 0 {
		sort.Strings(notBootstrapped.MissingTables)
		readiness.Tables = nil
		return readiness, notBootstrapped
	}

	readiness.Warnings = append(readiness.Warnings, v.checkResources(ctx, tables)...)
	for _, w := range readiness.Warnings {
		v.logger.Warn("pre-flight warning", zap.String("kind", string(w.Kind)), zap.String("table", w.Table), zap.String("message", w.Message))
	}

	readiness.Ready = true
	return readiness, nil
}

func (v *Verifier) checkResources(ctx context.Context, tables []TableDescriptor) []Warning {
	var warnings []Warning

	if v.cfg.BatchSize > LargeBatchThreshold {
		warnings = append(warnings, Warning{
			Kind:    WarningResource,
			Message: fmt.Sprintf("batch size %d is above %d and may exhaust memory", v.cfg.BatchSize, LargeBatchThreshold),
		})
	}

	info, err := v.source.GetDatabaseInfo(ctx)
	if err != nil {
		v.logger.Debug("source size unavailable, skipping memory estimate", zap.Error(err))
		return warnings
	}

	var totalRows int64
	for _, t := range tables {
		totalRows += t.EstimatedRowCount
	}
	if totalRows == 0 || info.TotalSize == 0 {
		return warnings
	}

	estimate := estimateBatchMemory(info.TotalSize, totalRows, v.cfg.BatchSize, v.cfg.Workers)
	budget := memoryBudget(v.cfg.MemoryBudget)
	v.logger.Debug("estimated batch memory",
		zap.String("estimate", humanize.IBytes(uint64(estimate))),
		zap.String("budget", humanize.IBytes(uint64(budget))),
	)
	if estimate > budget {
		warnings = append(warnings, Warning{
			Kind: WarningResource,
			Message: fmt.Sprintf("estimated batch memory %s exceeds the budget of %s; consider a smaller batch size",
				humanize.IBytes(uint64(estimate)), humanize.IBytes(uint64(budget))),
		})
	}
	return warnings
}

func estimateBatchMemory(totalSize, totalRows int64, batchSize, workers int) int64 {
	avgRow := totalSize / totalRows
	if avgRow == 0 {
		avgRow = 1
	}
	if workers < 1 {
		workers = 1
	}
	return avgRow * int64(batchSize) * batchMemoryOverhead * int64(workers)
}

// memoryBudget lowers configured to the runtime's soft memory limit when one
// is set, e.g. through GOMEMLIMIT.
func memoryBudget(configured int64) int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < math.MaxInt64 && limit < configured {
		return limit
	}
	return configured
}
