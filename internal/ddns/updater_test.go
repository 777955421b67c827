package ddns

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebox/internal/errs"
)

const testToken = "a7c4d0ad-114e-40ef-ba1d-d217904a50f2"

func duckServer(t *testing.T, body string, status int) (*httptest.Server, *[]string) {
	t.Helper()
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &queries
}

func TestUpdateOK(t *testing.T) {
	srv, queries := duckServer(t, "OK", http.StatusOK)

	u := NewUpdater(nil, WithEndpoint(srv.URL+"/update"))
	require.NoError(t, u.Update(context.Background(), "MySite.duckdns.org", testToken, "203.0.113.7"))

	require.Len(t, *queries, 1)
	q := (*queries)[0]
	assert.Contains(t, q, "domains=mysite")
	assert.Contains(t, q, "token="+testToken)
	assert.Contains(t, q, "ip=203.0.113.7")
	assert.NotContains(t, q, "duckdns.org")
}

func TestUpdateResponses(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "KO is an auth error",
			body:   "KO",
			status: http.StatusOK,
			check: func(t *testing.T, err error) {
				var aerr *errs.AuthError
				assert.True(t, errors.As(err, &aerr), "got %T", err)
			},
		},
		{
			name:   "OK with trailing newline",
			body:   "OK\n",
			status: http.StatusOK,
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:   "unexpected body is a protocol error",
			body:   "<html>maintenance</html>",
			status: http.StatusOK,
			check: func(t *testing.T, err error) {
				var perr *errs.ProtocolError
				require.True(t, errors.As(err, &perr), "got %T", err)
				assert.Equal(t, http.StatusOK, perr.Status)
				assert.Equal(t, "<html>maintenance</html>", perr.Body)
			},
		},
		{
			name:   "server error carries status",
			body:   "bad gateway",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var perr *errs.ProtocolError
				require.True(t, errors.As(err, &perr), "got %T", err)
				assert.Equal(t, http.StatusBadGateway, perr.Status)
			},
		},
		{
			name:   "echoed token is redacted",
			body:   "invalid token " + testToken,
			status: http.StatusOK,
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				assert.NotContains(t, err.Error(), testToken)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := duckServer(t, tt.body, tt.status)
			u := NewUpdater(nil, WithEndpoint(srv.URL))
			tt.check(t, u.Update(context.Background(), "mysite", testToken, "203.0.113.7"))
		})
	}
}

func TestUpdateConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	u := NewUpdater(nil, WithEndpoint(endpoint))
	err := u.Update(context.Background(), "mysite", testToken, "203.0.113.7")

	var terr *errs.TransportError
	require.True(t, errors.As(err, &terr), "got %T: %v", err, err)
	assert.Equal(t, errs.CauseConnection, terr.Cause)
	assert.NotContains(t, err.Error(), testToken)
	assert.Equal(t, "transport", errs.Kind(err))
}

func TestUpdateValidation(t *testing.T) {
	srv, queries := duckServer(t, "OK", http.StatusOK)
	u := NewUpdater(nil, WithEndpoint(srv.URL))

	tests := []struct {
		name   string
		domain string
		token  string
		ip     string
	}{
		{"empty domain", "", testToken, "203.0.113.7"},
		{"foreign domain", "example.com", testToken, "203.0.113.7"},
		{"empty token", "mysite", "", "203.0.113.7"},
		{"placeholder token", "mysite", "your-duckdns-token-here", "203.0.113.7"},
		{"invalid ip", "mysite", testToken, "256.1.1.1"},
		{"bad label", "my_site", testToken, "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := u.Update(context.Background(), tt.domain, tt.token, tt.ip)
			var verr *errs.ValidationError
			assert.True(t, errors.As(err, &verr), "got %T: %v", err, err)
		})
	}

	assert.Empty(t, *queries, "no request may be sent for invalid input")
}

func TestSubdomain(t *testing.T) {
	for in, want := range map[string]string{
		"mysite":              "mysite",
		"MySite.DuckDNS.org":  "mysite",
		"mysite.duckdns.org.": "mysite",
		" mysite ":            "mysite",
	} {
		assert.Equal(t, want, Subdomain(in), in)
	}
	assert.True(t, strings.HasSuffix(FQDN("mysite"), ".duckdns.org."))
}
