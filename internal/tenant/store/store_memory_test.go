package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rxledger/internal/tenant/models"
	"rxledger/pkg/domain"
	"rxledger/pkg/platform/sentinel"
)

type TenantStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
}

func (s *TenantStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func TestTenantStoreSuite(t *testing.T) {
	suite.Run(t, new(TenantStoreSuite))
}

func (s *TenantStoreSuite) newTenant(name string) *models.Tenant {
	t, err := models.NewTenant(domain.NewTenantID(), name, time.Now())
	s.Require().NoError(err)
	return t
}

func (s *TenantStoreSuite) TestCreationAndLookups() {
	s.Run("creates and finds tenant by ID", func() {
		tenant := s.newTenant("Clinica Norte")
		s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, tenant))

		found, err := s.store.FindByID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.Equal(tenant.Name, found.Name)
	})

	s.Run("returns ErrNotFound for unknown ID", func() {
		_, err := s.store.FindByID(s.ctx, domain.NewTenantID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("returned tenants are copies", func() {
		tenant := s.newTenant("Clinica Copia")
		s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, tenant))

		found, err := s.store.FindByID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		found.Status = models.StatusInactive

		again, err := s.store.FindByID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.True(again.IsActive())
	})
}

func (s *TenantStoreSuite) TestNameUniqueness() {
	s.Run("rejects duplicate name", func() {
		s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, s.newTenant("Duplicate")))
		err := s.store.CreateIfNameAvailable(s.ctx, s.newTenant("Duplicate"))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("enforces case-insensitive uniqueness", func() {
		s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, s.newTenant("MyClinic")))
		err := s.store.CreateIfNameAvailable(s.ctx, s.newTenant("MYCLINIC"))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("finds by name case-insensitively", func() {
		tenant := s.newTenant("CaseSensitive")
		s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, tenant))

		found, err := s.store.FindByName(s.ctx, "casesensitive")
		s.Require().NoError(err)
		s.Equal(tenant.ID, found.ID)
	})
}

func (s *TenantStoreSuite) TestExecute() {
	tenant := s.newTenant("Execute Clinic")
	s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, tenant))

	s.Run("applies mutation after validation", func() {
		updated, err := s.store.Execute(s.ctx, tenant.ID,
			func(t *models.Tenant) error { return t.CanDeactivate() },
			func(t *models.Tenant) { t.ApplyDeactivation(time.Now()) },
		)
		s.Require().NoError(err)
		s.False(updated.IsActive())
	})

	s.Run("validation failure leaves the tenant untouched", func() {
		_, err := s.store.Execute(s.ctx, tenant.ID,
			func(t *models.Tenant) error { return t.CanDeactivate() },
			func(t *models.Tenant) { t.Name = "changed" },
		)
		s.Error(err)

		found, err := s.store.FindByID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.Equal("Execute Clinic", found.Name)
	})

	s.Run("unknown tenant", func() {
		_, err := s.store.Execute(s.ctx, domain.NewTenantID(),
			func(*models.Tenant) error { return nil },
			func(*models.Tenant) {},
		)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *TenantStoreSuite) TestListActive() {
	b := s.newTenant("beta clinic")
	a := s.newTenant("Alpha Clinic")
	off := s.newTenant("Closed Clinic")
	off.Status = models.StatusInactive
	for _, t := range []*models.Tenant{b, a, off} {
		s.Require().NoError(s.store.CreateIfNameAvailable(s.ctx, t))
	}

	active, err := s.store.ListActive(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(active, 2)
	s.Equal(a.ID, active[0].ID)
	s.Equal(b.ID, active[1].ID)
}
