package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rxledger/internal/tenant/store"
	"rxledger/pkg/domain"
	dErrors "rxledger/pkg/domain-errors"
	"rxledger/pkg/platform/clock"
)

type TenantServiceSuite struct {
	suite.Suite
	ctx     context.Context
	clock   *clock.Fake
	service *Service
}

func TestTenantServiceSuite(t *testing.T) {
	suite.Run(t, new(TenantServiceSuite))
}

func (s *TenantServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewFake(time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC))
	s.service = New(store.NewInMemory(), WithClock(s.clock))
}

func (s *TenantServiceSuite) TestCreateTenant() {
	s.Run("creates an active tenant", func() {
		t, err := s.service.CreateTenant(s.ctx, " Clinica Sol ")
		s.Require().NoError(err)
		s.Equal("Clinica Sol", t.Name)
		s.True(t.IsActive())
		s.Equal(s.clock.Now(), t.CreatedAt)
	})

	s.Run("rejects an empty name as validation", func() {
		_, err := s.service.CreateTenant(s.ctx, "  ")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a taken name as conflict", func() {
		_, err := s.service.CreateTenant(s.ctx, "CLINICA SOL")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *TenantServiceSuite) TestLookups() {
	created, err := s.service.CreateTenant(s.ctx, "Clinica Luna")
	s.Require().NoError(err)

	found, err := s.service.GetTenant(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created.ID, found.ID)

	found, err = s.service.GetTenantByName(s.ctx, "clinica luna")
	s.Require().NoError(err)
	s.Equal(created.ID, found.ID)

	_, err = s.service.GetTenant(s.ctx, domain.NewTenantID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.GetTenant(s.ctx, domain.TenantID{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.GetTenantByName(s.ctx, "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *TenantServiceSuite) TestActivationLifecycle() {
	a, err := s.service.CreateTenant(s.ctx, "Alpha")
	s.Require().NoError(err)
	b, err := s.service.CreateTenant(s.ctx, "Beta")
	s.Require().NoError(err)

	s.clock.Advance(time.Hour)
	off, err := s.service.DeactivateTenant(s.ctx, a.ID)
	s.Require().NoError(err)
	s.False(off.IsActive())
	s.Equal(s.clock.Now(), off.UpdatedAt)

	active, err := s.service.ListActive(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(b.ID, active[0].ID)

	_, err = s.service.DeactivateTenant(s.ctx, a.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	on, err := s.service.ReactivateTenant(s.ctx, a.ID)
	s.Require().NoError(err)
	s.True(on.IsActive())

	_, err = s.service.ReactivateTenant(s.ctx, domain.NewTenantID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
