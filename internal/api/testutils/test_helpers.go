package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/api"
	"github.com/rongwang/fieldops-server/internal/config"
	"github.com/rongwang/fieldops-server/internal/models"
	"github.com/rongwang/fieldops-server/internal/repository"
	"github.com/rongwang/fieldops-server/internal/service"
)

// Start is the instant test clocks begin at: a Thursday evening.
var Start = time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC)

// Clock is a settable clock that advances a millisecond per reading so
// successive writes get distinct timestamps.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// Now returns the next instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// Set moves the clock.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// TestUser is a directory entry plus a signed token for it.
type TestUser struct {
	ID   string
	Role models.Role
	JWT  string
}

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository repository.Repository
	Service    service.Service
	JWTSecret  []byte
	DB         *sqlx.DB
	Clock      *Clock

	Admin  TestUser
	HR     TestUser
	Worker TestUser

	// TestUserID and TestUserJWT are the worker's, kept for brevity.
	TestUserID  string
	TestUserJWT string
}

// SetupTestContext creates a new test context with initialized dependencies.
// It runs against an in-memory repository unless TEST_DB_DRIVER=postgres, in
// which case it uses the test database and skips when that is unreachable.
func SetupTestContext(t *testing.T) *TestContext {
	t.Helper()

	cfg := config.LoadConfig()
	cfg.Auth.JWTSecret = "test-secret-key"
	cfg.Compliance.Timezone = "UTC"

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var (
		repo repository.Repository
		db   *sqlx.DB
	)
	if os.Getenv("TEST_DB_DRIVER") == "postgres" {
		if cfg.Database.TestDBName != "" {
			cfg.Database.DBName = cfg.Database.TestDBName
		}
		var err error
		db, err = config.SetupDatabase(cfg, logger)
		if err != nil {
			t.Skipf("test database unavailable: %v", err)
		}
		pg := repository.NewPostgresRepository(db)
		cleanupTestDatabase(t, pg)
		repo = pg
	} else {
		repo = repository.NewMemoryRepository()
	}

	clock := &Clock{t: Start}
	svc := service.NewDefaultService(repo, cfg, service.WithLogger(logger), service.WithClock(clock.Now))
	handler := api.NewHandler(svc, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", []byte(cfg.Auth.JWTSecret))
		c.Next()
	})

	handler.SetupRoutes(router)

	tc := &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		DB:         db,
		Clock:      clock,
	}
	tc.Admin = tc.CreateUser(t, "admin-1", models.RoleAdmin)
	tc.HR = tc.CreateUser(t, "hr-1", models.RoleHRManagement)
	tc.Worker = tc.CreateUser(t, "worker-1", models.RoleMarketer)
	tc.TestUserID = tc.Worker.ID
	tc.TestUserJWT = tc.Worker.JWT
	return tc
}

// CleanupTestContext cleans up test resources
func CleanupTestContext(tc *TestContext) {
	if tc.DB != nil {
		if pg, ok := tc.Repository.(*repository.PostgresRepository); ok {
			cleanupTestDatabase(nil, pg)
		}
		tc.DB.Close()
	}
}

// cleanupTestDatabase empties every table, children first.
func cleanupTestDatabase(t *testing.T, repo *repository.PostgresRepository) {
	tables := []string{
		"sync_conflicts",
		"sync_events",
		"sync_records",
		"device_registrations",
		"payroll_records",
		"disciplinary_records",
		"audit_logs",
		"users",
	}
	for _, table := range tables {
		if _, err := repo.GetDB().Exec("DELETE FROM " + table); err != nil && t != nil {
			t.Logf("Warning: Failed to clean %s: %v", table, err)
		}
	}
}

// CreateUser adds an active user and returns it with a signed token.
func (tc *TestContext) CreateUser(t *testing.T, id string, role models.Role) TestUser {
	t.Helper()

	now := time.Now().UTC()
	err := tc.Repository.CreateUser(context.Background(), &models.User{
		ID:        id,
		Email:     id + "@example.com",
		Name:      id,
		Role:      role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err, "Failed to create test user")

	token, err := GenerateToken(tc.JWTSecret, id, string(role))
	assert.NoError(t, err, "Failed to generate JWT token")

	return TestUser{ID: id, Role: role, JWT: token}
}

// GenerateToken signs an HS256 token carrying sub and role claims.
func GenerateToken(secret []byte, userID, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	})
	return token.SignedString(secret)
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// DecodeJSON unmarshals a response body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
