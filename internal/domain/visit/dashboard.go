package visit

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdesk/opd-console/internal/domain/billing"
)

// RecentVisitLimit is the number of visits listed on the dashboard
const RecentVisitLimit = 20

// Dashboard is the daily overview
type Dashboard struct {
	Date    string           `json:"date"`
	Summary DailySummary     `json:"summary"`
	Recent  []billing.Record `json:"recent_visits"`
}

// LoadDashboard fetches the summary for date and the most recent visits
// concurrently. A failed fetch degrades to zero figures or an empty list.
func LoadDashboard(ctx context.Context, reports Reports, date string, logger *zap.Logger) Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := Dashboard{Date: date, Recent: []billing.Record{}}

	var g errgroup.Group
	g.Go(func() error {
		summary, err := reports.DailySummary(ctx, date)
		if err != nil {
			logger.Warn("failed to load daily summary", zap.String("date", date), zap.Error(err))
			return nil
		}
		d.Summary = summary
		return nil
	})
	g.Go(func() error {
		visits, err := reports.ListVisits(ctx, RecentVisitLimit)
		if err != nil {
			logger.Warn("failed to load recent visits", zap.Error(err))
			return nil
		}
		if visits != nil {
			d.Recent = visits
		}
		return nil
	})
	_ = g.Wait()
	return d
}
