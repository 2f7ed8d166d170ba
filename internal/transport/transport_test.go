package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/credential"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
)

func TestDoAttachesCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	creds := credential.New()
	creds.Register("inst-1", credential.StaticRefresher{Scheme: model.SchemeBearer, Value: "tok-123"})

	tr, err := New("inst-1", creds, "", Options{})
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestDoWithNilCredentialsOmitsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New("inst-2", nil, "", Options{})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDoClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, err := New("inst-3", nil, "", Options{})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)

	var rlErr *errtax.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 7, rlErr.RetryAfter)
}

func TestDoClassifiesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := New("inst-4", nil, "", Options{})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)

	var authErr *errtax.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestDoClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	tr, err := New("inst-5", nil, "", Options{})
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var srvErr *errtax.ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, "boom", srvErr.Body)
}

func TestDoClassifiesValidationStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr, err := New("inst-6", nil, "", Options{})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)

	var valErr *errtax.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestDoCustomHeaderScheme(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-My-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	creds := credential.New()
	creds.Register("inst-7", credential.StaticRefresher{Scheme: model.SchemeCustomHeader, Value: "abc", Header: "X-My-Key"})

	tr, err := New("inst-7", creds, "X-My-Key", Options{})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "abc", gotHeader)
}
