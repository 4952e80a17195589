package analytics

import (
	"context"
	"log/slog"

	"analytics/internal/etl"
	"analytics/internal/pipeline"
)

const rfmSummaryQuery = `
	WITH rfm_data AS (
		SELECT * FROM calculate_rfm_segments()
	)
	SELECT
		rfm_segment,
		COUNT(*) AS customer_count,
		ROUND(AVG(recency_days), 1) AS avg_recency,
		ROUND(AVG(frequency), 1) AS avg_frequency,
		ROUND(AVG(monetary), 2) AS avg_monetary,
		ROUND(SUM(monetary), 2) AS total_revenue
	FROM rfm_data
	GROUP BY rfm_segment
	ORDER BY total_revenue DESC`

const prioritySegmentsQuery = `
	WITH rfm_data AS (
		SELECT * FROM calculate_rfm_segments()
	)
	SELECT
		rfm_segment,
		COUNT(*) AS count,
		ROUND(SUM(monetary), 2) AS total_value
	FROM rfm_data
	WHERE rfm_segment IN ('champions', 'at_risk', 'cant_lose_them', 'promising', 'need_attention')
	GROUP BY rfm_segment`

// SegmentAction is the recommended handling of an RFM segment.
type SegmentAction struct {
	Action      string
	Priority    string
	Description string
}

// PrioritySegments are the RFM segments that warrant a campaign.
var PrioritySegments = map[string]SegmentAction{
	"champions":      {"Reward & retain", "High", "Your best customers, keep them engaged"},
	"at_risk":        {"Win-back campaign", "Critical", "Valuable customers who are becoming inactive"},
	"cant_lose_them": {"Urgent intervention", "Critical", "High-value customers who haven't returned"},
	"promising":      {"Nurture & convert", "Medium", "Recent customers with potential"},
	"need_attention": {"Re-engagement campaign", "Medium", "Becoming inactive, need encouragement"},
}

func (s *Suite) rfmStage() pipeline.Stage {
	return pipeline.Stage{
		Name:    StageRFM,
		Title:   "RFM Segmentation",
		Refresh: s.refreshRFM,
		FollowUps: []pipeline.Step{
			{Name: "summary", Run: s.rfmSummary},
			{Name: "priority_segments", Run: s.prioritySegments},
		},
	}
}

func (s *Suite) refreshRFM(ctx context.Context) error {
	rs, err := s.db.CallProcedure(ctx, "calculate_rfm_segments")
	if err != nil {
		return err
	}
	if err := requireRows(rs, "calculate_rfm_segments"); err != nil {
		s.sink.Log(ctx, slog.LevelWarn, "no RFM data returned")
		return err
	}
	s.sink.Log(ctx, slog.LevelInfo, "RFM segments calculated", slog.Int("customers", rs.Len()))
	return nil
}

// SegmentShare is one segment's share of customers and revenue, in percent.
type SegmentShare struct {
	Segment      string
	Customers    float64
	Revenue      float64
	CustomersPct float64
	RevenuePct   float64
}

// SegmentShares computes each segment's share of the totals in rs, which
// holds rfm_segment, customer_count and total_revenue columns.
func SegmentShares(rs *etl.ResultSet) []SegmentShare {
	var totalCustomers, totalRevenue float64
	for _, rec := range rs.Records {
		totalCustomers += rec.Float("customer_count")
		totalRevenue += rec.Float("total_revenue")
	}
	out := make([]SegmentShare, 0, rs.Len())
	for _, rec := range rs.Records {
		sh := SegmentShare{
			Segment:   rec.String("rfm_segment"),
			Customers: rec.Float("customer_count"),
			Revenue:   rec.Float("total_revenue"),
		}
		if totalCustomers > 0 {
			sh.CustomersPct = sh.Customers / totalCustomers * 100
		}
		if totalRevenue > 0 {
			sh.RevenuePct = sh.Revenue / totalRevenue * 100
		}
		out = append(out, sh)
	}
	return out
}

func (s *Suite) rfmSummary(ctx context.Context) error {
	rs, err := s.db.Query(ctx, rfmSummaryQuery)
	if err != nil {
		return err
	}
	for i, sh := range SegmentShares(rs) {
		rec := rs.Records[i]
		s.sink.Log(ctx, slog.LevelInfo, "RFM segment",
			slog.String("segment", sh.Segment),
			slog.Float64("customers", sh.Customers),
			slog.Float64("customers_pct", sh.CustomersPct),
			slog.Float64("revenue", sh.Revenue),
			slog.Float64("revenue_pct", sh.RevenuePct),
			slog.Float64("avg_recency_days", rec.Float("avg_recency")),
			slog.Float64("avg_frequency", rec.Float("avg_frequency")),
			slog.Float64("avg_monetary", rec.Float("avg_monetary")),
		)
	}
	return nil
}

func (s *Suite) prioritySegments(ctx context.Context) error {
	rs, err := s.db.Query(ctx, prioritySegmentsQuery)
	if err != nil {
		return err
	}
	for _, rec := range rs.Records {
		segment := rec.String("rfm_segment")
		info, ok := PrioritySegments[segment]
		if !ok {
			continue
		}
		s.sink.Log(ctx, slog.LevelInfo, "priority segment",
			slog.String("segment", segment),
			slog.String("priority", info.Priority),
			slog.Any("customers", rec["count"]),
			slog.Any("value", rec["total_value"]),
			slog.String("action", info.Action),
			slog.String("why", info.Description),
		)
	}
	return nil
}
