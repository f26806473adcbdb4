package integration_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

const DefaultBusinessID = "defaultbusinessid"

// BaseIntegrationSuite starts Postgres and NATS once per suite and gives every test a
// clean business schema.
type BaseIntegrationSuite struct {
	suite.Suite
	Postgres    testcontainers.Container
	PostgresDSN string
	NATS        testcontainers.Container
	NATSURL     string
	BusinessID  string
	SchemaName  string
	Repo        *storage.PostgresRepo
	Ctx         context.Context
	cancel      context.CancelFunc
}

func (s *BaseIntegrationSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("integration suite skipped in -short mode")
	}
	s.Ctx, s.cancel = context.WithCancel(context.Background())
	log.Println("Setting up BaseIntegrationSuite...")
	logger.Log = zaptest.NewLogger(s.T()).Named("BaseIntegrationSuite")

	startTime := time.Now()
	var err error

	s.BusinessID = os.Getenv("TEST_BUSINESS_ID")
	if s.BusinessID == "" {
		s.BusinessID = DefaultBusinessID
		log.Println("TEST_BUSINESS_ID not set, using default", zap.String("businessID", s.BusinessID))
	}
	s.SchemaName = storage.SchemaName(s.BusinessID)

	s.Postgres, s.PostgresDSN, err = startPostgres(s.Ctx)
	if err != nil {
		s.T().Fatalf("Failed to start postgres: %v", err)
	}
	log.Println("PostgreSQL container started.")

	s.NATS, s.NATSURL, err = startNATSContainer(s.Ctx)
	if err != nil {
		s.T().Fatalf("Failed to start NATS: %v", err)
	}
	log.Println("NATS container started.")

	s.Repo, err = storage.NewPostgresRepo(s.PostgresDSN, true, s.BusinessID)
	if err != nil {
		s.T().Fatalf("Failed to initialize repository: %v", err)
	}

	log.Printf("BaseIntegrationSuite setup complete in %v", time.Since(startTime))
}

func (s *BaseIntegrationSuite) TearDownSuite() {
	log.Println("Tearing down BaseIntegrationSuite...")
	startTime := time.Now()

	if s.Repo != nil {
		_ = s.Repo.Close(context.Background())
	}
	if s.NATS != nil {
		if err := s.NATS.Terminate(s.Ctx); err != nil {
			s.T().Logf("Error terminating NATS container: %v", err)
		}
	}
	if s.Postgres != nil {
		if err := s.Postgres.Terminate(s.Ctx); err != nil {
			s.T().Logf("Error terminating PostgreSQL container: %v", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	log.Printf("BaseIntegrationSuite teardown complete in %v", time.Since(startTime))
}

// SetupTest truncates the business tables so every test starts empty.
func (s *BaseIntegrationSuite) SetupTest() {
	err := truncatePostgresTables(s.Ctx, s.PostgresDSN, s.SchemaName)
	s.Require().NoError(err, "Failed to truncate PostgreSQL tables")
}

// BusinessCtx returns a context scoped to the suite's business.
func (s *BaseIntegrationSuite) BusinessCtx() context.Context {
	return tenant.WithBusinessID(s.Ctx, s.BusinessID)
}
