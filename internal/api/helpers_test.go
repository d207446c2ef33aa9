package api_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/httputil"
	"github.com/persistorai/custodian/internal/middleware"
	"github.com/persistorai/custodian/internal/models"
)

const (
	testTenantID = "00000000-0000-0000-0000-000000000001"
	testJobID    = "00000000-0000-0000-0000-0000000000aa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

// newTestRouter returns an engine that authenticates every request as a
// member of the test tenant with the given role.
func newTestRouter(role models.Role) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.RequestIDKey, "req-1")
		c.Set(middleware.PrincipalKey, &models.Principal{TenantID: testTenantID, ActorID: "actor-1", Role: role})
		c.Set(middleware.TenantIDKey, testTenantID)
		c.Next()
	})

	return r
}

// doRequest performs an HTTP request against the test router and returns the recorder.
func doRequest(r *gin.Engine, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}

	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httputil.ErrorBody {
	t.Helper()

	var body httputil.ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error JSON %q: %v", w.Body.String(), err)
	}

	return body
}
