package integration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
)

type RepositoryTestSuite struct {
	BaseIntegrationSuite
	customers     storage.CustomerRepo
	appointments  storage.AppointmentRepo
	turns         storage.TurnRepo
	logs          storage.OnboardingLogRepo
	inconsistency storage.InconsistencyRepo
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func (s *RepositoryTestSuite) SetupSuite() {
	s.BaseIntegrationSuite.SetupSuite()
	s.customers = storage.NewCustomerRepoAdapter(s.Repo)
	s.appointments = storage.NewAppointmentRepoAdapter(s.Repo)
	s.turns = storage.NewTurnRepoAdapter(s.Repo)
	s.logs = storage.NewOnboardingLogRepoAdapter(s.Repo)
	s.inconsistency = storage.NewInconsistencyRepoAdapter(s.Repo)
}

func (s *RepositoryTestSuite) newCustomer() *model.Customer {
	c := model.NewCustomer(&model.Customer{BusinessID: s.BusinessID})
	s.Require().NoError(s.customers.Create(s.BusinessCtx(), *c))
	return c
}

func (s *RepositoryTestSuite) TestCustomer_CreateFindUpdate() {
	ctx := s.BusinessCtx()
	c := model.NewCustomer(&model.Customer{BusinessID: s.BusinessID, OnboardingState: model.StateAwaitingName})
	c.DisplayName = ""
	s.Require().NoError(s.customers.Create(ctx, *c))

	found, err := s.customers.FindByPhone(ctx, c.PhoneNumber)
	s.Require().NoError(err)
	s.Equal(model.StateAwaitingName, found.OnboardingState)
	s.Empty(found.DisplayName)

	found.DisplayName = "Ana María"
	found.OnboardingState = model.StateActive
	s.Require().NoError(s.customers.Update(ctx, *found))

	updated, err := s.customers.FindByPhone(ctx, c.PhoneNumber)
	s.Require().NoError(err)
	s.True(updated.IsActive())
	s.Equal("Ana María", updated.DisplayName)
}

func (s *RepositoryTestSuite) TestCustomer_DuplicatePhone() {
	ctx := s.BusinessCtx()
	c := s.newCustomer()

	dup := model.NewCustomer(&model.Customer{BusinessID: s.BusinessID, PhoneNumber: c.PhoneNumber})
	err := s.customers.Create(ctx, *dup)
	s.Require().Error(err)
	s.ErrorIs(err, apperrors.ErrDuplicate)
}

func (s *RepositoryTestSuite) TestCustomer_ConcurrentFirstMessage() {
	ctx := s.BusinessCtx()
	phone := model.FakePhone()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.customers.Create(ctx, *model.NewCustomer(&model.Customer{BusinessID: s.BusinessID, PhoneNumber: phone}))
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		s.ErrorIs(err, apperrors.ErrDuplicate)
	}
	s.Equal(1, created)

	n, err := countRows(s.Ctx, s.PostgresDSN, s.SchemaName, "customers", "phone_number = $1", phone)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RepositoryTestSuite) TestCustomer_NotFound() {
	_, err := s.customers.FindByPhone(s.BusinessCtx(), "570000000000")
	s.ErrorIs(err, apperrors.ErrNotFound)
}

func (s *RepositoryTestSuite) TestAppointment_SlotIsUnique() {
	ctx := s.BusinessCtx()
	c := s.newCustomer()
	other := s.newCustomer()

	first := model.NewAppointment(c, time.Hour)
	s.Require().NoError(s.appointments.Create(ctx, *first))

	second := model.NewAppointment(other, time.Hour)
	second.StartTime = first.StartTime
	second.EndTime = first.EndTime
	err := s.appointments.Create(ctx, *second)
	s.Require().Error(err)
	s.ErrorIs(err, apperrors.ErrDuplicate)

	n, err := countRows(s.Ctx, s.PostgresDSN, s.SchemaName, "appointments", "")
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RepositoryTestSuite) TestAppointment_FindUpcomingOrdered() {
	ctx := s.BusinessCtx()
	c := s.newCustomer()
	now := time.Now().UTC().Truncate(time.Hour)

	for _, offset := range []time.Duration{72 * time.Hour, -24 * time.Hour, 24 * time.Hour, 48 * time.Hour} {
		a := model.NewAppointment(c, time.Hour)
		a.StartTime = now.Add(offset)
		a.EndTime = a.StartTime.Add(time.Hour)
		s.Require().NoError(s.appointments.Create(ctx, *a))
	}

	upcoming, err := s.appointments.FindUpcoming(ctx, c.ID, now, 2)
	s.Require().NoError(err)
	s.Require().Len(upcoming, 2)
	s.True(upcoming[0].StartTime.Equal(now.Add(24 * time.Hour)))
	s.True(upcoming[1].StartTime.Equal(now.Add(48 * time.Hour)))
}

func (s *RepositoryTestSuite) TestAppointment_UpdateTimesAndDelete() {
	ctx := s.BusinessCtx()
	c := s.newCustomer()
	a := model.NewAppointment(c, time.Hour)
	s.Require().NoError(s.appointments.Create(ctx, *a))

	newStart := a.StartTime.Add(3 * time.Hour)
	s.Require().NoError(s.appointments.UpdateTimes(ctx, a.ID, newStart, newStart.Add(time.Hour)))

	got, err := s.appointments.FindByID(ctx, a.ID)
	s.Require().NoError(err)
	s.True(got.StartTime.Equal(newStart))

	s.Require().NoError(s.appointments.Delete(ctx, a.ID))
	s.ErrorIs(s.appointments.Delete(ctx, a.ID), apperrors.ErrNotFound)
}

func (s *RepositoryTestSuite) TestTurns_RecentIsChronological() {
	ctx := s.BusinessCtx()
	c := s.newCustomer()
	base := time.Now().UTC().Add(-time.Hour)

	var turns []model.ConversationTurn
	for i, content := range []string{"uno", "dos", "tres", "cuatro"} {
		role := model.RoleCustomer
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		turns = append(turns, model.ConversationTurn{
			BusinessID: s.BusinessID,
			CustomerID: c.ID,
			Role:       role,
			Content:    content,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	s.Require().NoError(s.turns.Append(ctx, turns...))

	recent, err := s.turns.Recent(ctx, c.ID, 3)
	s.Require().NoError(err)
	s.Require().Len(recent, 3)
	s.Equal("dos", recent[0].Content)
	s.Equal("tres", recent[1].Content)
	s.Equal("cuatro", recent[2].Content)
}

func (s *RepositoryTestSuite) TestDeleteCascade_RemovesEverything() {
	ctx := s.BusinessCtx()
	c := s.newCustomer()
	s.Require().NoError(s.appointments.Create(ctx, *model.NewAppointment(c, time.Hour)))
	s.Require().NoError(s.turns.Append(ctx, model.ConversationTurn{
		BusinessID: s.BusinessID, CustomerID: c.ID, Role: model.RoleCustomer, Content: "hola", CreatedAt: time.Now().UTC(),
	}))
	s.Require().NoError(s.logs.Save(ctx, model.OnboardingLog{
		BusinessID:  s.BusinessID,
		CustomerID:  c.ID,
		PhoneNumber: c.PhoneNumber,
		MessageID:   "wamid.1",
		FromState:   model.StateAwaitingName,
		ToState:     model.StateActive,
		Timestamp:   time.Now().Unix(),
	}))

	s.Require().NoError(s.customers.DeleteCascade(ctx, c.PhoneNumber))

	for _, table := range []string{"customers", "appointments", "conversation_turns", "onboarding_log"} {
		n, err := countRows(s.Ctx, s.PostgresDSN, s.SchemaName, table, "")
		s.Require().NoError(err)
		s.Zero(n, table)
	}
	s.ErrorIs(s.customers.DeleteCascade(ctx, c.PhoneNumber), apperrors.ErrNotFound)
}

func (s *RepositoryTestSuite) TestInconsistency_SaveIfAbsentIsIdempotent() {
	ctx := s.BusinessCtx()
	eventID := uuid.NewString()
	rec := model.Inconsistency{EventID: eventID, Kind: model.KindOrphanEvent, CalendarID: "primary", ExternalEventID: "evt1"}

	first, err := s.inconsistency.SaveIfAbsent(ctx, rec)
	s.Require().NoError(err)
	s.Require().NoError(s.inconsistency.RecordAttempt(ctx, eventID, "calendar down"))

	second, err := s.inconsistency.SaveIfAbsent(ctx, rec)
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(1, second.Attempts)

	s.Require().NoError(s.inconsistency.MarkResolved(ctx, eventID, "event deleted"))
	open, err := s.inconsistency.FindUnresolved(ctx, 10)
	s.Require().NoError(err)
	s.Empty(open)
}

func (s *RepositoryTestSuite) TestTenantIsolation() {
	otherID := "otherbusiness"
	otherRepo, err := storage.NewPostgresRepo(s.PostgresDSN, true, otherID)
	s.Require().NoError(err)
	defer func() { _ = otherRepo.Close(context.Background()) }()
	otherCustomers := storage.NewCustomerRepoAdapter(otherRepo)

	c := s.newCustomer()

	otherCtx := tenant.WithBusinessID(s.Ctx, otherID)
	_, err = otherCustomers.FindByPhone(otherCtx, c.PhoneNumber)
	s.ErrorIs(err, apperrors.ErrNotFound)

	mismatched := model.NewCustomer(&model.Customer{BusinessID: s.BusinessID})
	err = otherCustomers.Create(otherCtx, *mismatched)
	s.ErrorIs(err, apperrors.ErrBadRequest)
}
