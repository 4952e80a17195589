package analytics

import (
	"context"
	"log/slog"

	"analytics/internal/pipeline"
)

const cohortStatsQuery = `
	SELECT
		COUNT(*) AS total_cohorts,
		COUNT(DISTINCT cohort_month) AS unique_months,
		MAX(updated_at) AS last_updated
	FROM cohort_analytics`

const cohortSummaryQuery = `
	WITH latest_cohort AS (
		SELECT * FROM cohort_analytics
		WHERE cohort_month = (SELECT MAX(cohort_month) FROM cohort_analytics)
	)
	SELECT
		cohort_month,
		users_count,
		SUM(active_users) AS total_active,
		AVG(retention_rate) AS avg_retention,
		SUM(total_revenue) AS total_revenue
	FROM latest_cohort
	GROUP BY cohort_month, users_count`

func (s *Suite) cohortStage() pipeline.Stage {
	return pipeline.Stage{
		Name:    StageCohort,
		Title:   "Cohort Analysis",
		Refresh: s.refreshCohort,
		FollowUps: []pipeline.Step{
			{Name: "summary", Run: s.cohortSummary},
		},
	}
}

func (s *Suite) refreshCohort(ctx context.Context) error {
	s.sink.Log(ctx, slog.LevelInfo, "refreshing cohort analytics",
		slog.Int("months_back", s.cfg.CohortMonthsBack))

	if _, err := s.db.CallProcedure(ctx, "refresh_cohort_analytics"); err != nil {
		return err
	}
	stats, err := s.db.Query(ctx, cohortStatsQuery)
	if err != nil {
		return err
	}
	if rec := stats.First(); rec != nil {
		s.sink.Log(ctx, slog.LevelInfo, "cohort analytics refreshed",
			slog.Any("total_cohorts", rec["total_cohorts"]),
			slog.Any("unique_months", rec["unique_months"]),
			slog.Any("last_updated", rec["last_updated"]),
		)
	}

	s.maintainTable(ctx, "cohort_analytics")
	return nil
}

func (s *Suite) cohortSummary(ctx context.Context) error {
	rs, err := s.db.Query(ctx, cohortSummaryQuery)
	if err != nil {
		return err
	}
	rec := rs.First()
	if rec == nil {
		return nil
	}
	s.sink.Log(ctx, slog.LevelInfo, "latest cohort",
		slog.String("cohort_month", rec.String("cohort_month")),
		slog.Any("initial_users", rec["users_count"]),
		slog.Float64("avg_retention", rec.Float("avg_retention")),
		slog.Any("total_revenue", rec["total_revenue"]),
	)
	return nil
}
