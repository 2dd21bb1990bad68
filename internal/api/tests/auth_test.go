package api_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/api/testutils"
	"github.com/rongwang/fieldops-server/internal/models"
)

func TestHealthNeedsNoToken(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	wrongSecret, err := testutils.GenerateToken([]byte("other-secret"), testCtx.Worker.ID, string(models.RoleMarketer))
	require.NoError(t, err)
	noRole, err := testutils.GenerateToken(testCtx.JWTSecret, testCtx.Worker.ID, "")
	require.NoError(t, err)
	badRole, err := testutils.GenerateToken(testCtx.JWTSecret, testCtx.Worker.ID, "superuser")
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  testCtx.Worker.ID,
		"role": string(models.RoleMarketer),
		"exp":  time.Now().Add(-time.Hour).Unix(),
	}).SignedString(testCtx.JWTSecret)
	require.NoError(t, err)

	cases := []struct {
		name    string
		headers map[string]string
		message string
	}{
		{"NoHeader", nil, "Authentication required"},
		{"NotBearer", map[string]string{"Authorization": "Token abc"}, "Invalid token format"},
		{"WrongSecret", testutils.AuthHeaders(wrongSecret), "Invalid token"},
		{"Expired", testutils.AuthHeaders(expired), "Invalid token"},
		{"MissingRole", testutils.AuthHeaders(noRole), "Invalid role in token"},
		{"UnknownRole", testutils.AuthHeaders(badRole), "Invalid role in token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/sync/devices", nil, tc.headers)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var resp models.ErrorResponse
			testutils.DecodeJSON(t, w, &resp)
			assert.Equal(t, "UNAUTHORIZED", resp.Code)
			assert.Equal(t, tc.message, resp.Message)
		})
	}

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/sync/devices", nil, testutils.AuthHeaders(testCtx.TestUserJWT))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoleClaimDrivesPermissions(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/sync/conflicts", nil, testutils.AuthHeaders(testCtx.Worker.JWT))
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp models.ErrorResponse
	testutils.DecodeJSON(t, w, &resp)
	assert.Equal(t, "PERMISSION_DENIED", resp.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/sync/conflicts", nil, testutils.AuthHeaders(testCtx.HR.JWT))
	assert.Equal(t, http.StatusOK, w.Code)
}
