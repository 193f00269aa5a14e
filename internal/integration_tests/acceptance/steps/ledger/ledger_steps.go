package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	balancemodels "rxledger/internal/balance/models"
	balanceservice "rxledger/internal/balance/service"
	ledgermodels "rxledger/internal/ledger/models"
	ledgerservice "rxledger/internal/ledger/service"
	"rxledger/pkg/domain"
)

const operator = "pharmacist@acceptance"

// TestContext is the part of the scenario world these steps use.
type TestContext interface {
	Tenant() domain.TenantID
	Ledger() *ledgerservice.Service
	Balances() *balanceservice.Service
	SeedDispensation(ev domain.DispensationEvent)
	SetLastError(err error)
}

// RegisterSteps registers ledger and monthly balance steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ledgerSteps{tc: tc}

	// Movements
	ctx.Step(`^(\d+) units of "([^"]*)" are received on "([^"]*)"$`, steps.received)
	ctx.Step(`^(\d+) units of "([^"]*)" are dispensed on "([^"]*)"$`, steps.dispensed)
	ctx.Step(`^recording (\d+) units of "([^"]*)" received on "([^"]*)"$`, steps.tryReceive)

	// Balances
	ctx.Step(`^balances for "(\d{4}-\d{2})" are calculated$`, steps.calculate)
	ctx.Step(`^a physical count of (\d+) is recorded for "([^"]*)" in "([^"]*)"$`, steps.countWithoutReason)
	ctx.Step(`^a physical count of (\d+) is recorded for "([^"]*)" in "([^"]*)" because "([^"]*)"$`, steps.count)
	ctx.Step(`^the balance of "([^"]*)" for "([^"]*)" is closed$`, steps.closeBalance)

	// Assertions
	ctx.Step(`^the opening balance of "([^"]*)" for "([^"]*)" is (\d+)$`, steps.openingIs)
	ctx.Step(`^the closing balance of "([^"]*)" for "([^"]*)" is (\d+)$`, steps.closingIs)
	ctx.Step(`^the discrepancy of "([^"]*)" for "([^"]*)" is (-?\d+)$`, steps.discrepancyIs)
	ctx.Step(`^the balance of "([^"]*)" for "([^"]*)" is "([^"]*)"$`, steps.statusIs)
}

type ledgerSteps struct {
	tc TestContext
}

func medication(id string) domain.Medication {
	return domain.Medication{ID: id, Name: id}
}

func day(date string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(10 * time.Hour), nil
}

func (s *ledgerSteps) receive(ctx context.Context, qty int, med, date string) error {
	at, err := day(date)
	if err != nil {
		return err
	}
	_, err = s.tc.Ledger().Record(ctx, s.tc.Tenant(), ledgermodels.RecordEntryRequest{
		Medication:    medication(med),
		Direction:     ledgermodels.DirectionIn,
		Quantity:      decimal.NewFromInt(int64(qty)),
		Unit:          "tablet",
		TransactionAt: at,
		Origin:        ledgermodels.OriginManualStockEntry,
		OriginRef:     "NF-" + date,
	}, operator)
	return err
}

func (s *ledgerSteps) received(ctx context.Context, qty int, med, date string) error {
	return s.receive(ctx, qty, med, date)
}

func (s *ledgerSteps) tryReceive(ctx context.Context, qty int, med, date string) error {
	s.tc.SetLastError(s.receive(ctx, qty, med, date))
	return nil
}

func (s *ledgerSteps) dispensed(ctx context.Context, qty int, med, date string) error {
	at, err := day(date)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	ev := domain.DispensationEvent{
		ID:                 id,
		PrescriptionItemID: "item-" + id,
		Medication:         medication(med),
		Quantity:           decimal.NewFromInt(int64(qty)),
		Unit:               "tablet",
		Prescriber:         domain.Prescriber{Name: "Dr. Lima", License: "CRM-12345", Region: "SP"},
		Patient:            domain.Patient{Name: "P. Silva", Document: "123.456.789-00"},
		DispensedAt:        at,
	}
	s.tc.SeedDispensation(ev)
	_, err = s.tc.Ledger().RecordDispensation(ctx, s.tc.Tenant(), ev, operator)
	return err
}

func (s *ledgerSteps) calculate(ctx context.Context, period string) error {
	p, err := domain.ParsePeriod(period)
	if err != nil {
		return err
	}
	_, err = s.tc.Balances().CalculateMonthlyBalances(ctx, s.tc.Tenant(), p)
	return err
}

func (s *ledgerSteps) find(ctx context.Context, med, period string) (*balancemodels.MonthlyBalance, error) {
	p, err := domain.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	balances, err := s.tc.Balances().ListBalances(ctx, s.tc.Tenant(), p)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		if b.Medication.ID == med {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no balance of %s for %s", med, period)
}

func (s *ledgerSteps) recordCount(ctx context.Context, count int, med, period, reason string) error {
	b, err := s.find(ctx, med, period)
	if err != nil {
		return err
	}
	_, err = s.tc.Balances().RecordPhysicalInventory(ctx, s.tc.Tenant(), b.ID, decimal.NewFromInt(int64(count)), reason, operator)
	s.tc.SetLastError(err)
	return nil
}

func (s *ledgerSteps) countWithoutReason(ctx context.Context, count int, med, period string) error {
	return s.recordCount(ctx, count, med, period, "")
}

func (s *ledgerSteps) count(ctx context.Context, count int, med, period, reason string) error {
	return s.recordCount(ctx, count, med, period, reason)
}

func (s *ledgerSteps) closeBalance(ctx context.Context, med, period string) error {
	b, err := s.find(ctx, med, period)
	if err != nil {
		return err
	}
	_, err = s.tc.Balances().CloseBalance(ctx, s.tc.Tenant(), b.ID, operator)
	s.tc.SetLastError(err)
	return nil
}

func expectAmount(field string, got decimal.Decimal, want int) error {
	if !got.Equal(decimal.NewFromInt(int64(want))) {
		return fmt.Errorf("expected %s %d, got %s", field, want, got)
	}
	return nil
}

func (s *ledgerSteps) openingIs(ctx context.Context, med, period string, want int) error {
	b, err := s.find(ctx, med, period)
	if err != nil {
		return err
	}
	return expectAmount("opening balance", b.OpeningBalance, want)
}

func (s *ledgerSteps) closingIs(ctx context.Context, med, period string, want int) error {
	b, err := s.find(ctx, med, period)
	if err != nil {
		return err
	}
	return expectAmount("closing balance", b.ClosingBalance, want)
}

func (s *ledgerSteps) discrepancyIs(ctx context.Context, med, period string, want int) error {
	b, err := s.find(ctx, med, period)
	if err != nil {
		return err
	}
	if !b.Discrepancy.Valid {
		return fmt.Errorf("balance of %s for %s has no physical count", med, period)
	}
	return expectAmount("discrepancy", b.Discrepancy.Decimal, want)
}

func (s *ledgerSteps) statusIs(ctx context.Context, med, period, want string) error {
	b, err := s.find(ctx, med, period)
	if err != nil {
		return err
	}
	if string(b.Status) != want {
		return fmt.Errorf("expected balance %s, got %s", want, b.Status)
	}
	return nil
}
