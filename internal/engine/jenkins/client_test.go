package jenkins_test

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"buildrunner/internal/config"
	"buildrunner/internal/engine/jenkins"
)

const crumbIssuerPath = "/crumbIssuer/api/json"

func newClient(t *testing.T, handler http.HandlerFunc) (*jenkins.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := jenkins.NewClient(config.JenkinsConfig{
		URL:      server.URL + "/",
		Username: "user",
		Token:    "token",
		Timeout:  5,
	})
	return client, server
}

func TestNewClient(t *testing.T) {
	client := jenkins.NewClient(config.JenkinsConfig{
		URL:     "http://jenkins.example.com/",
		Token:   "token",
		Timeout: 10,
	})
	require.NotNil(t, client)
	require.Equal(t, "http://jenkins.example.com", client.URL())
}

func TestDoRequest(t *testing.T) {
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		expectedAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:token"))
		if r.Header.Get("Authorization") != expectedAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/test-path" {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"created":true}`))
				return
			}
			_, _ = w.Write([]byte(`{"key":"value"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := t.Context()

	resp, err := client.DoRequest(ctx, http.MethodGet, "/test-path", nil)
	require.NoError(t, err)
	require.Contains(t, string(resp), "value")

	resp, err = client.DoRequest(ctx, http.MethodPost, "/test-path", map[string]string{"foo": "bar"})
	require.NoError(t, err)
	require.Contains(t, string(resp), "created")

	_, err = client.DoRequest(ctx, http.MethodGet, "/missing", nil)
	var apiErr *jenkins.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.EqualError(t, err, "resource not found (status 404)")
}

func TestJobPath(t *testing.T) {
	var testCases = []struct {
		given string
		then  string
		err   bool
	}{
		{"app", "/job/app", false},
		{"team/app", "/job/team/job/app", false},
		{"my job", "/job/my%20job", false},
		{"", "", true},
		{"../etc", "", true},
		{"team//app", "", true},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			path, err := jenkins.JobPath(tt.given)
			if tt.err {
				require.ErrorIs(t, err, jenkins.ErrInvalidJobName)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, path)
		})
	}
}

func TestCrumbIsCached(t *testing.T) {
	var crumbCalls atomic.Int32
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case crumbIssuerPath:
			crumbCalls.Add(1)
			_, _ = w.Write([]byte(`{"crumb":"test-crumb","crumbRequestField":"Jenkins-Crumb"}`))
		case "/job/app/build":
			if r.Header.Get("Jenkins-Crumb") != "test-crumb" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Location", "/queue/item/1/")
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	for range 3 {
		_, err := client.SubmitBuild(t.Context(), "app")
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), crumbCalls.Load())
}

func TestCrumbResetOnForbidden(t *testing.T) {
	var crumbCalls, buildCalls atomic.Int32
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case crumbIssuerPath:
			crumbCalls.Add(1)
			_, _ = w.Write([]byte(`{"crumb":"c","crumbRequestField":"Jenkins-Crumb"}`))
		case "/job/app/build":
			if buildCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Location", "/queue/item/2/")
			w.WriteHeader(http.StatusCreated)
		}
	})

	_, err := client.SubmitBuild(t.Context(), "app")
	var apiErr *jenkins.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	sub, err := client.SubmitBuild(t.Context(), "app")
	require.NoError(t, err)
	require.Equal(t, "/queue/item/2/", sub.Location)
	require.Equal(t, int32(2), crumbCalls.Load())
}

func TestCrumbIssuerMissing(t *testing.T) {
	client, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case crumbIssuerPath:
			w.WriteHeader(http.StatusNotFound)
		case "/job/app/build":
			if r.Header.Get("Jenkins-Crumb") != "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Location", "/queue/item/3/")
			w.WriteHeader(http.StatusCreated)
		}
	})

	sub, err := client.SubmitBuild(t.Context(), "app")
	require.NoError(t, err)
	id, ok := sub.QueueItemNumber()
	require.True(t, ok)
	require.Equal(t, int64(3), id)
}
