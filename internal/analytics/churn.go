package analytics

import (
	"context"
	"log/slog"

	"analytics/internal/diag"
	"analytics/internal/pipeline"
)

const churnStatsQuery = `
	SELECT
		COUNT(*) AS total_users,
		COUNT(*) FILTER (WHERE risk_level = 'critical') AS critical_count,
		COUNT(*) FILTER (WHERE risk_level = 'high') AS high_count,
		COUNT(*) FILTER (WHERE risk_level = 'medium') AS medium_count,
		COUNT(*) FILTER (WHERE risk_level = 'low') AS low_count,
		ROUND(AVG(risk_score), 2) AS avg_risk_score,
		MAX(calculated_at) AS last_calculated
	FROM user_churn_risk
	WHERE calculated_at::date = CURRENT_DATE`

const highRiskUsersQuery = `
	SELECT
		customer_phone,
		risk_score,
		risk_level,
		days_since_last_order,
		total_orders,
		total_spent
	FROM user_churn_risk
	WHERE calculated_at::date = CURRENT_DATE
	ORDER BY risk_score DESC
	LIMIT ?`

const churnTrendsQuery = `
	SELECT
		calculated_at::date AS date,
		COUNT(*) AS total_users,
		ROUND(AVG(risk_score), 2) AS avg_risk_score,
		COUNT(*) FILTER (WHERE risk_level IN ('critical', 'high')) AS at_risk_count
	FROM user_churn_risk
	WHERE calculated_at >= CURRENT_DATE - INTERVAL '7 days'
	GROUP BY calculated_at::date
	ORDER BY date DESC`

// Only the first few rows of a listing are logged.
const logPreviewRows = 5

func (s *Suite) churnStage() pipeline.Stage {
	return pipeline.Stage{
		Name:    StageChurn,
		Title:   "Churn Risk Analysis",
		Refresh: s.refreshChurn,
		FollowUps: []pipeline.Step{
			{Name: "high_risk_users", Run: s.highRiskUsers},
			{Name: "trends", Run: s.churnTrends},
		},
	}
}

func (s *Suite) refreshChurn(ctx context.Context) error {
	s.sink.Log(ctx, slog.LevelInfo, "refreshing churn risk",
		slog.Int("threshold_days", s.cfg.ChurnThresholdDays))

	if _, err := s.db.CallProcedure(ctx, "refresh_churn_risk"); err != nil {
		return err
	}
	stats, err := s.db.Query(ctx, churnStatsQuery)
	if err != nil {
		return err
	}
	if rec := stats.First(); rec != nil {
		s.sink.Log(ctx, slog.LevelInfo, "churn risk refreshed",
			slog.Any("total_users", rec["total_users"]),
			slog.Any("critical", rec["critical_count"]),
			slog.Any("high", rec["high_count"]),
			slog.Any("medium", rec["medium_count"]),
			slog.Any("low", rec["low_count"]),
			slog.Any("avg_risk_score", rec["avg_risk_score"]),
			slog.Any("last_calculated", rec["last_calculated"]),
		)
	}

	s.maintainTable(ctx, "user_churn_risk")
	return nil
}

func (s *Suite) highRiskUsers(ctx context.Context) error {
	rs, err := s.db.Query(ctx, highRiskUsersQuery, s.cfg.HighRiskLimit)
	if err != nil {
		return err
	}
	s.sink.Log(ctx, slog.LevelInfo, "high-risk users", slog.Int("count", rs.Len()))
	for i, rec := range rs.Records {
		if i == logPreviewRows {
			break
		}
		s.sink.Log(ctx, slog.LevelInfo, "high-risk user",
			slog.Int("rank", i+1),
			slog.String("phone", diag.MaskPhone(rec.String("customer_phone"))),
			slog.Any("risk_score", rec["risk_score"]),
			slog.String("risk_level", rec.String("risk_level")),
			slog.Any("days_since_last_order", rec["days_since_last_order"]),
		)
	}
	return nil
}

func (s *Suite) churnTrends(ctx context.Context) error {
	rs, err := s.db.Query(ctx, churnTrendsQuery)
	if err != nil {
		return err
	}
	for _, rec := range rs.Records {
		s.sink.Log(ctx, slog.LevelInfo, "churn trend",
			slog.Any("date", rec["date"]),
			slog.Any("avg_risk_score", rec["avg_risk_score"]),
			slog.Any("at_risk", rec["at_risk_count"]),
			slog.Any("total_users", rec["total_users"]),
		)
	}
	return nil
}
