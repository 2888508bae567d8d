package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestFail_EnvelopeAndServerErrorLogging(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	lg := zerolog.New(&buf)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-1")
		c.Set("logger", &lg)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom") })
	r.GET("/missing", func(c *gin.Context) { Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope") })

	cases := []struct {
		path   string
		status int
		code   string
		msg    string
		logged bool
	}{
		{"/boom", http.StatusInternalServerError, ErrCodeInternal, "kaboom", true},
		{"/missing", http.StatusNotFound, ErrCodeNotFound, "nope", false},
	}
	for _, tc := range cases {
		buf.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))

		if w.Code != tc.status {
			t.Fatalf("%s: status=%d", tc.path, w.Code)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: json: %v", tc.path, err)
		}
		if resp != (ErrorResponse{RequestID: "rid-1", Code: tc.code, Message: tc.msg}) {
			t.Fatalf("%s: unexpected body: %+v", tc.path, resp)
		}
		if got := strings.Contains(buf.String(), `"level":"error"`); got != tc.logged {
			t.Fatalf("%s: logged=%v, want %v (%s)", tc.path, got, tc.logged, buf.String())
		}
	}
}
