//go:build integration

package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"rxledger/internal/tenant/models"
	"rxledger/internal/tenant/store"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
	"rxledger/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "tenants"))
}

func newTestTenant(name string) *models.Tenant {
	t, err := models.NewTenant(domain.NewTenantID(), name, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		panic(err)
	}
	return t
}

// TestConcurrentUniqueNameViolation verifies that concurrent creation attempts
// with the same name result in exactly one success.
func (s *PostgresStoreSuite) TestConcurrentUniqueNameViolation() {
	ctx := context.Background()
	name := "Concurrent Clinic " + uuid.NewString()
	const goroutines = 50

	var wg sync.WaitGroup
	var successes, conflicts atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.CreateIfNameAvailable(ctx, newTestTenant(name))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}

func (s *PostgresStoreSuite) TestCaseInsensitiveUniqueness() {
	ctx := context.Background()
	base := "CaseClinic" + uuid.NewString()
	first := newTestTenant(base)
	s.Require().NoError(s.store.CreateIfNameAvailable(ctx, first))

	for _, name := range []string{strings.ToUpper(base), strings.ToLower(base)} {
		err := s.store.CreateIfNameAvailable(ctx, newTestTenant(name))
		s.ErrorIs(err, sentinel.ErrConflict, "name %q should conflict with %q", name, base)

		found, err := s.store.FindByName(ctx, name)
		s.Require().NoError(err)
		s.Equal(first.ID, found.ID)
	}
}

// TestConcurrentDeactivation verifies that FOR UPDATE lets exactly one caller
// win the active -> inactive transition.
func (s *PostgresStoreSuite) TestConcurrentDeactivation() {
	ctx := context.Background()
	t := newTestTenant("Deactivation Race " + uuid.NewString())
	s.Require().NoError(s.store.CreateIfNameAvailable(ctx, t))

	const goroutines = 20
	var wg sync.WaitGroup
	var wins atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Execute(ctx, t.ID,
				func(t *models.Tenant) error { return t.CanDeactivate() },
				func(t *models.Tenant) { t.ApplyDeactivation(time.Now()) },
			)
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	found, err := s.store.FindByID(ctx, t.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusInactive, found.Status)
}

func (s *PostgresStoreSuite) TestListActiveAndNotFound() {
	ctx := context.Background()
	active := newTestTenant("Active Clinic")
	inactive := newTestTenant("Inactive Clinic")
	inactive.Status = models.StatusInactive
	s.Require().NoError(s.store.CreateIfNameAvailable(ctx, active))
	s.Require().NoError(s.store.CreateIfNameAvailable(ctx, inactive))

	list, err := s.store.ListActive(ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(active.ID, list[0].ID)

	_, err = s.store.FindByID(ctx, domain.NewTenantID())
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindByName(ctx, "Ghost Clinic")
	s.ErrorIs(err, sentinel.ErrNotFound)
}
