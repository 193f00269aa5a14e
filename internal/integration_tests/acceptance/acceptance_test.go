package acceptance

import (
	"context"
	"testing"

	"github.com/cucumber/godog"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name: "rxledger",
		// The initializer runs once per scenario, so every scenario gets a fresh world.
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			w := NewWorld()
			sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
				w.Close()
				return ctx, err
			})
			RegisterSteps(sc, w)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("acceptance scenarios failed")
	}
}
