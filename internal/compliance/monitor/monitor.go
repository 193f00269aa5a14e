// Package monitor detects deadline, overdue, anomaly and compliance conditions
// over ledger, balance and report history. It only reads: every check returns
// alerts and never mutates state.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	balancemodels "rxledger/internal/balance/models"
	"rxledger/internal/compliance/models"
	ledgermodels "rxledger/internal/ledger/models"
	reportmodels "rxledger/internal/report/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/clock"
)

type LedgerReader interface {
	QueryAll(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]*ledgermodels.LedgerEntry, error)
	FirstActivity(ctx context.Context, tenantID domain.TenantID) (time.Time, bool, error)
}

type BalanceReader interface {
	ListAllBalances(ctx context.Context, tenantID domain.TenantID) ([]*balancemodels.MonthlyBalance, error)
	GetOverdueBalances(ctx context.Context, tenantID domain.TenantID) ([]*balancemodels.MonthlyBalance, error)
}

type ReportReader interface {
	ListReports(ctx context.Context, tenantID domain.TenantID) ([]*reportmodels.RegulatoryReport, error)
}

// Config tunes the checks. Zero values fall back to defaults in New.
type Config struct {
	// DeadlineDay is the day of the following month a period's report is due.
	DeadlineDay int
	// LookbackMonths bounds how many completed periods are inspected.
	LookbackMonths int
	// AnomalyThreshold is the |z| at which outbound volume is anomalous.
	AnomalyThreshold float64
	// AnomalyHistory is how many trailing windows form the baseline.
	AnomalyHistory int
	// AnomalyMinHistory is the fewest baseline windows needed to judge.
	AnomalyMinHistory int
}

func (c Config) withDefaults() Config {
	if c.DeadlineDay <= 0 {
		c.DeadlineDay = 15
	}
	if c.LookbackMonths <= 0 {
		c.LookbackMonths = 24
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = 2.0
	}
	if c.AnomalyHistory <= 0 {
		c.AnomalyHistory = 6
	}
	if c.AnomalyMinHistory <= 0 {
		c.AnomalyMinHistory = 3
	}
	if c.AnomalyMinHistory > c.AnomalyHistory {
		c.AnomalyMinHistory = c.AnomalyHistory
	}
	return c
}

type Monitor struct {
	ledger   LedgerReader
	balances BalanceReader
	reports  ReportReader
	clock    clock.Clock
	cfg      Config
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

func New(ledger LedgerReader, balances BalanceReader, reports ReportReader, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		ledger:   ledger,
		balances: balances,
		reports:  reports,
		clock:    clock.System{},
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckApproachingDeadlines flags periods whose report is not yet transmitted and
// whose deadline falls within daysBeforeDeadline of now.
func (m *Monitor) CheckApproachingDeadlines(ctx context.Context, tenantID domain.TenantID, now time.Time, daysBeforeDeadline int) ([]models.Alert, error) {
	periods, byPeriod, err := m.reportingState(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	window := time.Duration(daysBeforeDeadline) * 24 * time.Hour

	var alerts []models.Alert
	for _, p := range periods {
		if isTransmitted(byPeriod[p]) {
			continue
		}
		deadline := p.DayOfFollowingMonth(m.cfg.DeadlineDay)
		left := deadline.Sub(now)
		if left <= 0 || left > window {
			continue
		}
		days := math.Ceil(left.Hours() / 24)
		alerts = append(alerts, models.Alert{
			Kind:       models.KindDeadlineApproaching,
			Severity:   approachingSeverity(days),
			TenantID:   tenantID,
			Entity:     periodRef(p),
			Period:     p.String(),
			Message:    fmt.Sprintf("report for %s is due %s (%s)", p, deadline.Format("2006-01-02"), reportState(byPeriod[p])),
			DetectedAt: now,
		}.WithValue(days))
	}
	return alerts, nil
}

// CheckOverdueReports flags periods past their deadline without a transmitted report.
func (m *Monitor) CheckOverdueReports(ctx context.Context, tenantID domain.TenantID, now time.Time) ([]models.Alert, error) {
	periods, byPeriod, err := m.reportingState(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	var alerts []models.Alert
	for _, p := range periods {
		if isTransmitted(byPeriod[p]) {
			continue
		}
		deadline := p.DayOfFollowingMonth(m.cfg.DeadlineDay)
		if now.Before(deadline) {
			continue
		}
		days := math.Floor(now.Sub(deadline).Hours() / 24)
		severity := models.SeverityHigh
		if days > 30 {
			severity = models.SeverityCritical
		}
		alerts = append(alerts, models.Alert{
			Kind:       models.KindOverdue,
			Severity:   severity,
			TenantID:   tenantID,
			Entity:     periodRef(p),
			Period:     p.String(),
			Message:    fmt.Sprintf("report for %s was due %s (%s)", p, deadline.Format("2006-01-02"), reportState(byPeriod[p])),
			DetectedAt: now,
		}.WithValue(days))
	}
	return alerts, nil
}

// CheckOverdueBalances flags open balances past their closing deadline.
func (m *Monitor) CheckOverdueBalances(ctx context.Context, tenantID domain.TenantID) ([]models.Alert, error) {
	overdue, err := m.balances.GetOverdueBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	alerts := make([]models.Alert, 0, len(overdue))
	for _, b := range overdue {
		alerts = append(alerts, models.Alert{
			Kind:       models.KindOverdue,
			Severity:   models.SeverityMedium,
			TenantID:   tenantID,
			Entity:     models.EntityRef{Type: models.EntityBalance, ID: b.ID.String()},
			Period:     b.Period.String(),
			Message:    fmt.Sprintf("balance of %s for %s is still open", b.Medication.ID, b.Period),
			DetectedAt: now,
		})
	}
	return alerts, nil
}

// ValidateCompliance flags closed balances with a discrepancy, closed balances
// never reconciled with a physical count, and medications with ledger activity
// in a completed period but no balance for it.
func (m *Monitor) ValidateCompliance(ctx context.Context, tenantID domain.TenantID) ([]models.Alert, error) {
	now := m.clock.Now()
	balances, err := m.balances.ListAllBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var alerts []models.Alert
	type key struct {
		med    string
		period domain.Period
	}
	known := make(map[key]bool, len(balances))
	for _, b := range balances {
		known[key{b.Medication.ID, b.Period}] = true
		if !b.IsClosed() {
			continue
		}
		ref := models.EntityRef{Type: models.EntityBalance, ID: b.ID.String()}
		switch {
		case b.HasDiscrepancy():
			alerts = append(alerts, models.Alert{
				Kind:     models.KindComplianceViolation,
				Severity: models.SeverityHigh,
				TenantID: tenantID,
				Entity:   ref,
				Period:   b.Period.String(),
				Message: fmt.Sprintf("balance of %s for %s closed with discrepancy %s",
					b.Medication.ID, b.Period, b.Discrepancy.Decimal),
				DetectedAt: now,
			}.WithValue(b.Discrepancy.Decimal.InexactFloat64()))
		case !b.PhysicalCount.Valid:
			alerts = append(alerts, models.Alert{
				Kind:       models.KindComplianceViolation,
				Severity:   models.SeverityMedium,
				TenantID:   tenantID,
				Entity:     ref,
				Period:     b.Period.String(),
				Message:    fmt.Sprintf("balance of %s for %s closed without a physical count", b.Medication.ID, b.Period),
				DetectedAt: now,
			})
		}
	}

	periods, err := m.periods(ctx, tenantID, now, nil)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return alerts, nil
	}
	entries, err := m.ledger.QueryAll(ctx, tenantID, periods[0].Start(), periods[len(periods)-1].End())
	if err != nil {
		return nil, err
	}
	flagged := make(map[key]bool)
	for _, e := range entries {
		k := key{e.Medication.ID, e.Period()}
		if known[k] || flagged[k] {
			continue
		}
		flagged[k] = true
		alerts = append(alerts, models.Alert{
			Kind:       models.KindComplianceViolation,
			Severity:   models.SeverityMedium,
			TenantID:   tenantID,
			Entity:     models.EntityRef{Type: models.EntityMedication, ID: e.Medication.ID},
			Period:     k.period.String(),
			Message:    fmt.Sprintf("medication %s has ledger activity in %s but no balance", e.Medication.ID, k.period),
			DetectedAt: now,
		})
	}
	return alerts, nil
}

// DetectAnomalies compares each medication's outbound volume in [from, to) with
// the trailing windows of equal length. A medication is judged only once it has
// AnomalyMinHistory windows since its first movement in the inspected range.
func (m *Monitor) DetectAnomalies(ctx context.Context, tenantID domain.TenantID, from, to time.Time) ([]models.Alert, error) {
	length := to.Sub(from)
	if length <= 0 {
		return nil, nil
	}
	history := m.cfg.AnomalyHistory
	start := from.Add(-time.Duration(history) * length)
	entries, err := m.ledger.QueryAll(ctx, tenantID, start, to)
	if err != nil {
		return nil, err
	}

	// windows[med][i]: i in [0, history) are baseline windows oldest first, i == history is the target.
	windows := make(map[string][]decimal.Decimal)
	firstWindow := make(map[string]int)
	names := make(map[string]string)
	for _, e := range entries {
		idx := int(e.TransactionAt.Sub(start) / length)
		if idx < 0 || idx > history {
			continue
		}
		med := e.Medication.ID
		if _, ok := windows[med]; !ok {
			windows[med] = make([]decimal.Decimal, history+1)
			firstWindow[med] = idx
			names[med] = e.Medication.Name
		}
		if idx < firstWindow[med] {
			firstWindow[med] = idx
		}
		if e.Direction == ledgermodels.DirectionOut {
			windows[med][idx] = windows[med][idx].Add(e.Quantity)
		}
	}

	meds := make([]string, 0, len(windows))
	for med := range windows {
		meds = append(meds, med)
	}
	sort.Strings(meds)

	now := m.clock.Now()
	var alerts []models.Alert
	for _, med := range meds {
		baseline := windows[med][firstWindow[med]:history]
		if len(baseline) < m.cfg.AnomalyMinHistory {
			continue
		}
		current := windows[med][history].InexactFloat64()
		mean, std := meanStd(baseline)
		ref := models.EntityRef{Type: models.EntityMedication, ID: med}

		if std == 0 {
			if current == mean {
				continue
			}
			alerts = append(alerts, models.Alert{
				Kind:     models.KindAnomaly,
				Severity: models.SeverityHigh,
				TenantID: tenantID,
				Entity:   ref,
				Message: fmt.Sprintf("outbound volume of %s (%s) is %.2f against a flat baseline of %.2f",
					med, names[med], current, mean),
				DetectedAt: now,
			})
			continue
		}
		z := (current - mean) / std
		severity, ok := anomalySeverity(z, m.cfg.AnomalyThreshold)
		if !ok {
			continue
		}
		alerts = append(alerts, models.Alert{
			Kind:     models.KindAnomaly,
			Severity: severity,
			TenantID: tenantID,
			Entity:   ref,
			Message: fmt.Sprintf("outbound volume of %s (%s) is %.2f, baseline %.2f ± %.2f (z=%.2f)",
				med, names[med], current, mean, std, z),
			DetectedAt: now,
		}.WithValue(math.Round(z*100) / 100))
	}
	return alerts, nil
}

// reportingState returns the periods under inspection and their reports.
func (m *Monitor) reportingState(ctx context.Context, tenantID domain.TenantID, now time.Time) ([]domain.Period, map[domain.Period]*reportmodels.RegulatoryReport, error) {
	reports, err := m.reports.ListReports(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	byPeriod := make(map[domain.Period]*reportmodels.RegulatoryReport, len(reports))
	for _, r := range reports {
		byPeriod[r.Period] = r
	}
	periods, err := m.periods(ctx, tenantID, now, reports)
	if err != nil {
		return nil, nil, err
	}
	return periods, byPeriod, nil
}

// periods lists every period from the tenant's first activity (ledger or report)
// through the last completed month, limited by the lookback.
func (m *Monitor) periods(ctx context.Context, tenantID domain.TenantID, now time.Time, reports []*reportmodels.RegulatoryReport) ([]domain.Period, error) {
	first, ok, err := m.ledger.FirstActivity(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var firstPeriod domain.Period
	if ok {
		firstPeriod = domain.PeriodOf(first)
	}
	for _, r := range reports {
		if !ok || r.Period.Before(firstPeriod) {
			firstPeriod = r.Period
			ok = true
		}
	}
	if !ok {
		return nil, nil
	}

	last := domain.PeriodOf(now).Prev()
	earliest := last
	for i := 1; i < m.cfg.LookbackMonths; i++ {
		earliest = earliest.Prev()
	}
	if firstPeriod.Before(earliest) {
		firstPeriod = earliest
	}

	var out []domain.Period
	for p := firstPeriod; !last.Before(p); p = p.Next() {
		out = append(out, p)
	}
	return out, nil
}

func meanStd(values []decimal.Decimal) (float64, float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v.InexactFloat64()
	}
	mean := sum / n
	var sq float64
	for _, v := range values {
		d := v.InexactFloat64() - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

func anomalySeverity(z, threshold float64) (models.Severity, bool) {
	abs := math.Abs(z)
	switch {
	case abs >= 2*threshold:
		return models.SeverityCritical, true
	case abs >= 1.5*threshold:
		return models.SeverityHigh, true
	case abs >= threshold:
		return models.SeverityMedium, true
	}
	return "", false
}

func approachingSeverity(daysLeft float64) models.Severity {
	switch {
	case daysLeft <= 1:
		return models.SeverityHigh
	case daysLeft <= 3:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func isTransmitted(r *reportmodels.RegulatoryReport) bool {
	return r != nil && r.Status == reportmodels.StatusTransmitted
}

func reportState(r *reportmodels.RegulatoryReport) string {
	if r == nil {
		return "no report"
	}
	return "report " + string(r.Status)
}

func periodRef(p domain.Period) models.EntityRef {
	return models.EntityRef{Type: models.EntityPeriod, ID: p.String()}
}
