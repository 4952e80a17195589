package analytics

import (
	"context"
	"log/slog"

	"analytics/internal/etl"
	"analytics/internal/pipeline"
)

func (s *Suite) funnelStage() pipeline.Stage {
	return pipeline.Stage{
		Name:    StageFunnel,
		Title:   "Funnel Analysis",
		Refresh: s.refreshFunnel,
		FollowUps: []pipeline.Step{
			{Name: "summary", Run: s.funnelSummary},
			{Name: "bottlenecks", Run: s.funnelBottlenecks},
		},
	}
}

func (s *Suite) refreshFunnel(ctx context.Context) error {
	rs, err := s.db.CallProcedure(ctx, "calculate_conversion_funnel")
	if err != nil {
		return err
	}
	for _, step := range rs.Records {
		s.sink.Log(ctx, slog.LevelInfo, "funnel step",
			slog.Int64("step", step.Int("step_number")),
			slog.String("name", step.String("step_name")),
			slog.Any("users", step["user_count"]),
			slog.Float64("from_previous_pct", step.Float("conversion_from_previous")),
			slog.Float64("from_start_pct", step.Float("conversion_from_start")),
		)
	}
	return nil
}

// FunnelStats is the overall performance of a conversion funnel.
type FunnelStats struct {
	TotalSteps          int
	StartingUsers       float64
	CompletingUsers     float64
	OverallConversion   float64 // percent, last step over first step
	WorstStep           string
	WorstStepConversion float64 // percent from previous step
}

// SummarizeFunnel computes FunnelStats from the funnel procedure's rows,
// which are ordered by step. The first step is never the worst step.
func SummarizeFunnel(rs *etl.ResultSet) (FunnelStats, bool) {
	if rs.Empty() {
		return FunnelStats{}, false
	}
	first := rs.Records[0]
	last := rs.Records[len(rs.Records)-1]
	st := FunnelStats{
		TotalSteps:      rs.Len(),
		StartingUsers:   first.Float("user_count"),
		CompletingUsers: last.Float("user_count"),
	}
	if st.StartingUsers > 0 {
		st.OverallConversion = st.CompletingUsers / st.StartingUsers * 100
	}

	found := false
	for _, step := range rs.Records {
		if step.Int("step_number") <= 1 {
			continue
		}
		conv := step.Float("conversion_from_previous")
		if !found || conv < st.WorstStepConversion {
			st.WorstStep = step.String("step_name")
			st.WorstStepConversion = conv
			found = true
		}
	}
	return st, true
}

// FunnelBottlenecks returns the steps after the first whose conversion
// from the previous step is below threshold percent.
func FunnelBottlenecks(rs *etl.ResultSet, threshold float64) []etl.Record {
	var out []etl.Record
	for _, step := range rs.Records {
		if step.Int("step_number") > 1 && step.Float("conversion_from_previous") < threshold {
			out = append(out, step)
		}
	}
	return out
}

func (s *Suite) funnelSummary(ctx context.Context) error {
	rs, err := s.db.CallProcedure(ctx, "calculate_conversion_funnel")
	if err != nil {
		return err
	}
	st, ok := SummarizeFunnel(rs)
	if !ok {
		return nil
	}
	s.sink.Log(ctx, slog.LevelInfo, "funnel summary",
		slog.Int("steps", st.TotalSteps),
		slog.Float64("starting_users", st.StartingUsers),
		slog.Float64("completing_users", st.CompletingUsers),
		slog.Float64("overall_conversion_pct", st.OverallConversion),
		slog.String("weakest_step", st.WorstStep),
		slog.Float64("weakest_step_pct", st.WorstStepConversion),
	)
	return nil
}

func (s *Suite) funnelBottlenecks(ctx context.Context) error {
	rs, err := s.db.CallProcedure(ctx, "calculate_conversion_funnel")
	if err != nil {
		return err
	}
	if rs.Empty() {
		s.sink.Log(ctx, slog.LevelWarn, "no funnel data available")
		return nil
	}
	bottlenecks := FunnelBottlenecks(rs, s.cfg.BottleneckThreshold)
	if len(bottlenecks) == 0 {
		s.sink.Log(ctx, slog.LevelInfo, "no funnel bottlenecks",
			slog.Float64("threshold_pct", s.cfg.BottleneckThreshold))
		return nil
	}
	for _, step := range bottlenecks {
		s.sink.Log(ctx, slog.LevelWarn, "funnel bottleneck",
			slog.String("step", step.String("step_name")),
			slog.Float64("conversion_pct", step.Float("conversion_from_previous")),
			slog.Float64("threshold_pct", s.cfg.BottleneckThreshold),
		)
	}
	return nil
}
