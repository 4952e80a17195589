package analytics

import (
	"context"

	"analytics/internal/dbclient"
	"analytics/internal/etl"
	"analytics/internal/export"
)

// Dataset names, in export order.
const (
	DatasetCohort  = "cohort"
	DatasetChurn   = "churn"
	DatasetLTV     = "ltv"
	DatasetRFM     = "rfm"
	DatasetFunnel  = "funnel"
	DatasetRevenue = "revenue"
)

const cohortExportQuery = `SELECT * FROM cohort_analytics ORDER BY cohort_month DESC, period_number`

const churnExportQuery = `
	SELECT * FROM user_churn_risk
	WHERE calculated_at::date = CURRENT_DATE
	ORDER BY risk_score DESC`

// Datasets returns the exportable datasets in their fixed order.
func (s *Suite) Datasets() []export.Dataset {
	return []export.Dataset{
		{Name: DatasetCohort, File: "cohort_analytics", Fetch: s.query(cohortExportQuery)},
		{Name: DatasetChurn, File: "churn_risk", Fetch: s.query(churnExportQuery)},
		{Name: DatasetLTV, File: "customer_ltv", Fetch: s.procedure("calculate_customer_ltv", func() []dbclient.NamedArg {
			return []dbclient.NamedArg{dbclient.Arg("months_back", s.cfg.LTVMonthsBack)}
		})},
		{Name: DatasetRFM, File: "rfm_segments", Fetch: s.procedure("calculate_rfm_segments", nil)},
		{Name: DatasetFunnel, File: "conversion_funnel", Fetch: s.procedure("calculate_conversion_funnel", nil)},
		{Name: DatasetRevenue, File: "revenue", Nested: []string{"overview", "by_category", "by_hour"}, Fetch: s.procedure("get_revenue_breakdown", s.revenueWindow)},
	}
}

// revenueWindow covers the last RevenueWindow up to now.
func (s *Suite) revenueWindow() []dbclient.NamedArg {
	to := s.now()
	return []dbclient.NamedArg{
		dbclient.Arg("from_date", to.Add(-s.cfg.RevenueWindow)),
		dbclient.Arg("to_date", to),
	}
}

func (s *Suite) query(stmt string) func(context.Context) (*etl.ResultSet, error) {
	return func(ctx context.Context) (*etl.ResultSet, error) {
		return s.db.Query(ctx, stmt)
	}
}

// procedure builds a fetch that invokes name with freshly built args.
func (s *Suite) procedure(name string, args func() []dbclient.NamedArg) func(context.Context) (*etl.ResultSet, error) {
	return func(ctx context.Context) (*etl.ResultSet, error) {
		var a []dbclient.NamedArg
		if args != nil {
			a = args()
		}
		return s.db.CallProcedure(ctx, name, a...)
	}
}
