package acceptance

import (
	"github.com/cucumber/godog"

	"rxledger/internal/integration_tests/acceptance/steps/common"
	"rxledger/internal/integration_tests/acceptance/steps/ledger"
	"rxledger/internal/integration_tests/acceptance/steps/reporting"
)

// RegisterSteps registers all step definitions from the step packages.
func RegisterSteps(ctx *godog.ScenarioContext, w *World) {
	// Clock, tenants and generic outcome assertions
	common.RegisterSteps(ctx, w)

	// Ledger entries and monthly balances
	ledger.RegisterSteps(ctx, w)

	// Reports, transmissions and compliance scans
	reporting.RegisterSteps(ctx, w)
}
