package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage is the image integration tests run against
const PostgresImage = "postgres:16-alpine"

// IntegrationTest skips t in short mode or when TABULIFY_SKIP_DOCKER is set.
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	if os.Getenv("TABULIFY_SKIP_DOCKER") != "" {
		t.Skip("Skipping integration test, TABULIFY_SKIP_DOCKER is set")
	}
}

// Postgres is a running postgres container.
type Postgres struct {
	Container testcontainers.Container
	DSN       string
}

var (
	sharedPostgres     *Postgres
	sharedPostgresOnce sync.Once
	sharedPostgresErr  error
)

// GetPostgres returns a postgres container shared by every test of the
// package. It is started on first use.
func GetPostgres(t *testing.T) *Postgres {
	t.Helper()
	IntegrationTest(t)

	sharedPostgresOnce.Do(func() {
		sharedPostgres, sharedPostgresErr = startPostgres(context.Background())
	})
	if sharedPostgresErr != nil {
		t.Fatalf("Failed to start postgres container: %v", sharedPostgresErr)
	}
	return sharedPostgres
}

func startPostgres(ctx context.Context) (*Postgres, error) {
	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "tabulify",
			"POSTGRES_USER":     "tabulify",
			"POSTGRES_PASSWORD": "tabulify",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &Postgres{
		Container: container,
		DSN:       fmt.Sprintf("postgres://tabulify:tabulify@%s:%s/tabulify?sslmode=disable", host, port.Port()),
	}, nil
}

// IntegrationTestSuite provides base functionality for integration tests:
// a suite-wide context and a scratch directory.
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	tempDir   string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *IntegrationTestSuite) SetupSuite() {
	IntegrationTest(s.T())
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()
	s.tempDir = s.T().TempDir()
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
	s.T().Logf("Integration test suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// TempDir returns the scratch directory
func (s *IntegrationTestSuite) TempDir() string {
	return s.tempDir
}
