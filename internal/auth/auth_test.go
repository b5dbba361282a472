package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier(testSecret, "atelier")
	token, err := v.Sign("user-42", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestVerifier_WrongSecret(t *testing.T) {
	token, err := NewVerifier("another-secret-another-secret-xx", "").Sign("user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret, "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_Expired(t *testing.T) {
	v := NewVerifier(testSecret, "")
	token, err := v.Sign("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_WrongIssuer(t *testing.T) {
	token, err := NewVerifier(testSecret, "elsewhere").Sign("user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret, "atelier").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsOtherAlgorithms(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewVerifier(testSecret, "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MissingSubject(t *testing.T) {
	v := NewVerifier(testSecret, "")
	token, err := v.Sign("", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func runMiddleware(t *testing.T, v *Verifier, header string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/test", nil)
	if header != "" {
		c.Request.Header.Set("Authorization", header)
	}
	Middleware(v)(c)
	return c, w
}

func TestMiddleware_ValidToken_SetsUser(t *testing.T) {
	v := NewVerifier(testSecret, "")
	token, _ := v.Sign("client-1", time.Hour)

	c, _ := runMiddleware(t, v, "Bearer "+token)
	assert.Equal(t, "client-1", UserID(c))
}

func TestMiddleware_LowercaseScheme(t *testing.T) {
	v := NewVerifier(testSecret, "")
	token, _ := v.Sign("client-1", time.Hour)

	c, _ := runMiddleware(t, v, "bearer "+token)
	assert.Equal(t, "client-1", UserID(c))
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	v := NewVerifier(testSecret, "")
	c, _ := runMiddleware(t, v, "Bearer garbage")
	assert.Equal(t, "", UserID(c))
	assert.False(t, c.IsAborted())
}

func TestMiddleware_NoHeader(t *testing.T) {
	v := NewVerifier(testSecret, "")
	c, _ := runMiddleware(t, v, "")
	assert.Equal(t, "", UserID(c))
}

func TestRequireAuth(t *testing.T) {
	r := gin.New()
	r.Use(Middleware(NewVerifier(testSecret, "")), RequireAuth())
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c)})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, _ := NewVerifier(testSecret, "").Sign("artist-7", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "artist-7")
}

func TestMemoryAdmins(t *testing.T) {
	admins := NewMemoryAdmins("admin-1", " admin-2 ", "")
	ctx := context.Background()

	ok, err := admins.IsAdmin(ctx, "admin-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = admins.IsAdmin(ctx, "admin-2")
	assert.True(t, ok)

	ok, _ = admins.IsAdmin(ctx, "client-1")
	assert.False(t, ok)

	ok, _ = admins.IsAdmin(ctx, "")
	assert.False(t, ok)
}
