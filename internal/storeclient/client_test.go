package storeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"go.uber.org/zap"
)

func testReliability() ReliabilitySettings {
	return ReliabilitySettings{
		RateLimit:     1000,
		Burst:         100,
		CBMaxRequests: 1,
		CBInterval:    time.Minute,
		CBTimeout:     time.Minute,
		CBMaxFailures: 100,
	}
}

func newTestClient(t *testing.T, h http.Handler, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, Token: "tok", Reliability: testReliability()}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNew_InvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost"}, zap.NewNop())
	assert.Error(t, err)
}

func TestGet_DecodesEntityAndSendsBearer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rosters/r-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"r-1","kind":"roster","status":"Revision From SDU","revisionNotes":"Missing adviser"}`))
	}))

	e, err := c.Get(context.Background(), domain.KindRoster, "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevisionRequested, e.Status.State)
	assert.Equal(t, domain.RoleSDU, e.Status.By)
	require.NotNil(t, e.RevisionNotes)
	assert.Equal(t, "Missing adviser", *e.RevisionNotes)
}

func TestList_PassesFilters(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/documents", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "budget", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`[{"id":"d-1","kind":"document","status":"Pending"}]`))
	}))

	list, err := c.List(context.Background(), domain.KindDocument, ListFilter{Status: "pending", Query: "budget"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "d-1", list[0].ID)
}

func TestSubmitStatus_SendsBodyOnce(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/proposals/p-1/status", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Revision From Dean", body["status"])
		assert.Equal(t, "Budget exceeds cap", body["revisionNotes"])

		_, _ = w.Write([]byte(`{"id":"p-1","kind":"proposal","status":"Revision From Dean","revisionNotes":"Budget exceeds cap"}`))
	}))

	notes := "Budget exceeds cap"
	e, err := c.SubmitStatus(context.Background(), domain.KindProposal, "p-1", domain.StatusUpdate{
		Status:        domain.MustStatus("Revision From Dean"),
		RevisionNotes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, "Revision From Dean", e.Status.String())
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestErrors_ServerMessageSurfacedVerbatim(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		body  string
		ctype string
		want  string
	}{
		{"json message", http.StatusConflict, `{"message":"Status already changed"}`, "application/json", "Status already changed"},
		{"json error field", http.StatusBadRequest, `{"error":"bad status"}`, "application/json", "bad status"},
		{"plain text", http.StatusForbidden, "forbidden by policy\n", "text/plain", "forbidden by policy"},
		{"empty body", http.StatusNotFound, "", "text/plain", "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.ctype)
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.Get(context.Background(), domain.KindDocument, "d-1")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.StatusCode)
			assert.Equal(t, tt.want, apiErr.Message)
		})
	}
}

func TestRetries_OnlyTransientFailuresOnFetch(t *testing.T) {
	t.Run("4xx is not retried", func(t *testing.T) {
		var hits int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))

		_, err := c.Get(context.Background(), domain.KindDocument, "d-1")
		require.Error(t, err)
		assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	})

	t.Run("5xx is retried up to the fetch budget", func(t *testing.T) {
		var hits int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&hits, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"id":"d-1","kind":"document","status":"Pending"}`))
		}))

		e, err := c.Get(context.Background(), domain.KindDocument, "d-1")
		require.NoError(t, err)
		assert.Equal(t, "d-1", e.ID)
		assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	})

	t.Run("status submission is not retried by default", func(t *testing.T) {
		var hits int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		_, err := c.SubmitStatus(context.Background(), domain.KindDocument, "d-1",
			domain.StatusUpdate{Status: domain.MustStatus("Approved By SDU")})
		require.Error(t, err)
		assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
	})
}

func TestThrottle_RetryAfterHonoured(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	list, err := c.List(context.Background(), domain.KindRoster, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestTimeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}), func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	_, err := c.SubmitStatus(context.Background(), domain.KindDocument, "d-1",
		domain.StatusUpdate{Status: domain.MustStatus("Approved By SDU")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLogin_StoresToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			var req domain.LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Password != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"Invalid username or password"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
		default:
			assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":"d-1","kind":"document","status":"Pending"}`))
		}
	}), func(cfg *Config) { cfg.Token = "" })

	_, err := c.Login(context.Background(), "sdu", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid username or password", apiErr.Message)

	resp, err := c.Login(context.Background(), "sdu", "secret")
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp.AccessToken)

	_, err = c.Get(context.Background(), domain.KindDocument, "d-1")
	require.NoError(t, err)
}

func TestCircuitBreaker_OpensOnRepeatedServerErrors(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}), func(cfg *Config) {
		cfg.FetchAttempts = 1
		cfg.Reliability.CBMaxFailures = 1
	})

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), domain.KindDocument, "d-1")
		require.Error(t, err)
	}

	_, err := c.Get(context.Background(), domain.KindDocument, "d-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity store unavailable")
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestCircuitBreaker_IgnoresClientErrors(t *testing.T) {
	var hits int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusConflict)
	}), func(cfg *Config) { cfg.Reliability.CBMaxFailures = 1 })

	for i := 0; i < 5; i++ {
		_, err := c.Get(context.Background(), domain.KindDocument, "d-1")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
	}
	assert.EqualValues(t, 5, atomic.LoadInt32(&hits))
}
