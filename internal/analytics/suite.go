// Package analytics declares the refresh stages and export datasets of the
// analytics pipeline. The analytic formulas live in server-side procedures;
// this package only invokes them and reads back summaries.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"analytics/internal/dbclient"
	"analytics/internal/diag"
	"analytics/internal/etl"
	"analytics/internal/pipeline"
)

// ErrNoData marks a procedure that returned no rows where rows are required.
var ErrNoData = errors.New("no data returned")

// Querier is the part of *dbclient.Executor the stages use.
type Querier interface {
	Query(ctx context.Context, stmt string, params ...any) (*etl.ResultSet, error)
	CallProcedure(ctx context.Context, name string, args ...dbclient.NamedArg) (*etl.ResultSet, error)
	Maintain(ctx context.Context, table string) error
}

// Settings are the tunables of the analytics stages.
type Settings struct {
	CohortMonthsBack    int
	LTVMonthsBack       int
	ChurnThresholdDays  int
	HighRiskLimit       int
	BottleneckThreshold float64       // percent
	RevenueWindow       time.Duration // export window for the revenue breakdown
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		CohortMonthsBack:    12,
		LTVMonthsBack:       12,
		ChurnThresholdDays:  30,
		HighRiskLimit:       10,
		BottleneckThreshold: 50,
		RevenueWindow:       30 * 24 * time.Hour,
	}
}

// Suite binds the stages and datasets to a database.
type Suite struct {
	db   Querier
	sink diag.Sink
	cfg  Settings
	now  func() time.Time
}

// NewSuite creates a Suite. Zero-valued settings fall back to defaults.
func NewSuite(db Querier, sink diag.Sink, cfg Settings) *Suite {
	def := DefaultSettings()
	if cfg.CohortMonthsBack <= 0 {
		cfg.CohortMonthsBack = def.CohortMonthsBack
	}
	if cfg.LTVMonthsBack <= 0 {
		cfg.LTVMonthsBack = def.LTVMonthsBack
	}
	if cfg.ChurnThresholdDays <= 0 {
		cfg.ChurnThresholdDays = def.ChurnThresholdDays
	}
	if cfg.HighRiskLimit <= 0 {
		cfg.HighRiskLimit = def.HighRiskLimit
	}
	if cfg.BottleneckThreshold <= 0 {
		cfg.BottleneckThreshold = def.BottleneckThreshold
	}
	if cfg.RevenueWindow <= 0 {
		cfg.RevenueWindow = def.RevenueWindow
	}
	return &Suite{db: db, sink: diag.OrDiscard(sink), cfg: cfg, now: time.Now}
}

// SetClock replaces the clock used for date-window arguments.
func (s *Suite) SetClock(now func() time.Time) { s.now = now }

// Stage names, in pipeline order.
const (
	StageCohort = "cohort"
	StageChurn  = "churn"
	StageFunnel = "funnel"
	StageLTV    = "ltv"
	StageRFM    = "rfm"
)

// Stages returns the pipeline stages in their fixed order.
func (s *Suite) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		s.cohortStage(),
		s.churnStage(),
		s.funnelStage(),
		s.ltvStage(),
		s.rfmStage(),
	}
}

// Maintenance is the terminal database-wide maintenance step.
func (s *Suite) Maintenance(ctx context.Context) error {
	return s.db.Maintain(ctx, "")
}

// maintainTable runs table-level maintenance after a refresh. Failures are
// already reported by the executor and never fail the stage.
func (s *Suite) maintainTable(ctx context.Context, table string) {
	_ = s.db.Maintain(ctx, table)
}

// ── Helpers ────────────────────────────────────────────────

func requireRows(rs *etl.ResultSet, what string) error {
	if rs.Empty() {
		return fmt.Errorf("%s: %w", what, ErrNoData)
	}
	return nil
}
