package analytics

import (
	"context"
	"log/slog"

	"analytics/internal/dbclient"
	"analytics/internal/pipeline"
)

const ltvSummaryQuery = `
	WITH ltv_data AS (
		SELECT * FROM calculate_customer_ltv(?)
	)
	SELECT
		COUNT(*) AS total_customers,
		ROUND(AVG(total_spent), 2) AS avg_total_spent,
		ROUND(AVG(avg_order_value), 2) AS avg_order_value,
		ROUND(AVG(predicted_annual_revenue), 2) AS avg_predicted_annual,
		COUNT(*) FILTER (WHERE customer_segment = 'vip') AS vip_count,
		COUNT(*) FILTER (WHERE customer_segment = 'high_value') AS high_value_count,
		COUNT(*) FILTER (WHERE customer_segment = 'medium_value') AS medium_value_count,
		COUNT(*) FILTER (WHERE order_frequency_segment = 'frequent') AS frequent_count,
		COUNT(*) FILTER (WHERE order_frequency_segment = 'regular') AS regular_count,
		COUNT(*) FILTER (WHERE order_frequency_segment = 'new') AS new_count
	FROM ltv_data`

const ltvDistributionQuery = `
	WITH ltv_data AS (
		SELECT * FROM calculate_customer_ltv(?)
	)
	SELECT
		customer_segment,
		COUNT(*) AS count,
		ROUND(AVG(total_spent), 2) AS avg_spent,
		ROUND(SUM(total_spent), 2) AS total_revenue,
		ROUND(AVG(predicted_annual_revenue), 2) AS avg_predicted_annual
	FROM ltv_data
	GROUP BY customer_segment
	ORDER BY avg_spent DESC`

func (s *Suite) ltvStage() pipeline.Stage {
	return pipeline.Stage{
		Name:    StageLTV,
		Title:   "LTV Analysis",
		Refresh: s.refreshLTV,
		FollowUps: []pipeline.Step{
			{Name: "summary", Run: s.ltvSummary},
			{Name: "distribution", Run: s.ltvDistribution},
		},
	}
}

func (s *Suite) refreshLTV(ctx context.Context) error {
	s.sink.Log(ctx, slog.LevelInfo, "refreshing customer LTV",
		slog.Int("months_back", s.cfg.LTVMonthsBack))

	rs, err := s.db.CallProcedure(ctx, "calculate_customer_ltv", dbclient.Arg("months_back", s.cfg.LTVMonthsBack))
	if err != nil {
		return err
	}
	if err := requireRows(rs, "calculate_customer_ltv"); err != nil {
		s.sink.Log(ctx, slog.LevelWarn, "no LTV data returned")
		return err
	}
	s.sink.Log(ctx, slog.LevelInfo, "customer LTV calculated", slog.Int("customers", rs.Len()))
	return nil
}

func (s *Suite) ltvSummary(ctx context.Context) error {
	rs, err := s.db.Query(ctx, ltvSummaryQuery, s.cfg.LTVMonthsBack)
	if err != nil {
		return err
	}
	rec := rs.First()
	if rec == nil {
		return nil
	}
	s.sink.Log(ctx, slog.LevelInfo, "LTV summary",
		slog.Any("total_customers", rec["total_customers"]),
		slog.Any("avg_total_spent", rec["avg_total_spent"]),
		slog.Any("avg_order_value", rec["avg_order_value"]),
		slog.Any("avg_predicted_annual", rec["avg_predicted_annual"]),
		slog.Any("vip", rec["vip_count"]),
		slog.Any("high_value", rec["high_value_count"]),
		slog.Any("medium_value", rec["medium_value_count"]),
		slog.Any("frequent", rec["frequent_count"]),
		slog.Any("regular", rec["regular_count"]),
		slog.Any("new", rec["new_count"]),
	)
	return nil
}

func (s *Suite) ltvDistribution(ctx context.Context) error {
	rs, err := s.db.Query(ctx, ltvDistributionQuery, s.cfg.LTVMonthsBack)
	if err != nil {
		return err
	}
	for _, rec := range rs.Records {
		s.sink.Log(ctx, slog.LevelInfo, "LTV segment",
			slog.String("segment", rec.String("customer_segment")),
			slog.Any("customers", rec["count"]),
			slog.Any("avg_spent", rec["avg_spent"]),
			slog.Any("total_revenue", rec["total_revenue"]),
		)
	}
	return nil
}
