package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

const lp8Response = `{
  "data": [
    {"mutation": "C241T", "proportion": 0.99, "count": 990, "coverage": 1000},
    {"mutation": "C3037T", "proportion": 0.97, "count": 9, "coverage": 10},
    {"mutation": "ins_22204:GAGCCAGAA", "proportion": 0.9, "count": 900, "coverage": 1000},
    {"mutation": "A23063T", "proportion": 0.95, "count": 150, "coverage": 158}
  ],
  "info": {"dataVersion": "1712"}
}`

func TestFetchMutations_FiltersByCoverage(t *testing.T) {
	var requested string
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = w.Write([]byte(lp8Response))
	}, func(c *Client, _ *int32) {
		stats, err := c.FetchMutations(context.Background(), Query{
			Variant:        "LP.8",
			MinAbundance:   0.8,
			MinCoverage:    15,
			NucleotideOnly: true,
		})
		require.NoError(t, err)

		assert.Equal(t, "/open/v2/sample/nucleotideMutations?downloadAsFile=false&limit=1000&minProportion=0.8&variantQuery=LP.8", requested)
		assert.Equal(t, []signature.Mutation{
			{Position: 241, Ref: "C", Alt: "T"},
			{Position: 23063, Ref: "A", Alt: "T"},
		}, Mutations(stats))
		assert.Equal(t, 158, stats[1].Coverage)
	})
}

func TestFetchMutations_AminoAcids(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open/v2/sample/aminoAcidMutations", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"mutation":"S:N501Y","proportion":1,"count":20,"coverage":20}]}`))
	}, func(c *Client, _ *int32) {
		stats, err := c.FetchMutations(context.Background(), Query{Variant: "JN.1", MinAbundance: 0.5})
		require.NoError(t, err)
		assert.Equal(t, []signature.Mutation{{Gene: "S", Position: 501, Ref: "N", Alt: "Y"}}, Mutations(stats))
	})
}

func TestFetchMutations_CachesAnswers(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(lp8Response))
	}, func(c *Client, calls *int32) {
		q := Query{Variant: "LP.8", MinAbundance: 0.8, MinCoverage: 15, NucleotideOnly: true}
		_, err := c.FetchMutations(context.Background(), q)
		require.NoError(t, err)

		// Coverage is applied locally, so a stricter threshold reuses the answer.
		q.MinCoverage = 500
		stats, err := c.FetchMutations(context.Background(), q)
		require.NoError(t, err)
		assert.Len(t, stats, 1)
		assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	})
}

func TestFetchMutations_RetriesServerErrors(t *testing.T) {
	var failures int32 = 2
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(lp8Response))
	}, func(c *Client, calls *int32) {
		stats, err := c.FetchMutations(context.Background(), Query{Variant: "LP.8", NucleotideOnly: true})
		require.NoError(t, err)
		assert.Len(t, stats, 3)
		assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	})
}

func TestFetchMutations_Errors(t *testing.T) {
	tests := map[string]struct {
		handler       http.HandlerFunc
		expectedCalls int32
		expectedCode  int
	}{
		"bad request is not retried": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unknown lineage", http.StatusBadRequest)
			},
			expectedCalls: 1,
			expectedCode:  http.StatusBadRequest,
		},
		"server error after retries": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			expectedCalls: 3,
			expectedCode:  http.StatusServiceUnavailable,
		},
		"malformed response": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>maintenance</html>`))
			},
			expectedCalls: 1,
			expectedCode:  http.StatusOK,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withServer(t, tc.handler, func(c *Client, calls *int32) {
				_, err := c.FetchMutations(context.Background(), Query{Variant: "LP.8"})
				var queryErr *composererrors.ErrUpstreamQuery
				require.True(t, errors.As(err, &queryErr), "unexpected error %v", err)
				assert.Equal(t, "LP.8", queryErr.Variant)
				assert.Equal(t, tc.expectedCode, queryErr.StatusCode)
				assert.Equal(t, tc.expectedCalls, atomic.LoadInt32(calls))
			})
		})
	}
}

func TestFetchMutations_Unreachable(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	_, err := c.FetchMutations(context.Background(), Query{Variant: "LP.8"})
	var queryErr *composererrors.ErrUpstreamQuery
	require.True(t, errors.As(err, &queryErr))
	assert.Zero(t, queryErr.StatusCode)
}

func TestFetchMutations_RequiresVariant(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	_, err := c.FetchMutations(context.Background(), Query{Variant: "  "})
	var invalid *composererrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}

func TestFilterByCoverage(t *testing.T) {
	stats := []MutationStat{{Coverage: 14}, {Coverage: 15}, {Coverage: 200}}
	assert.Equal(t, []MutationStat{{Coverage: 15}, {Coverage: 200}}, FilterByCoverage(stats, 15))
	assert.Len(t, FilterByCoverage(stats, 0), 3)
	assert.Empty(t, FilterByCoverage(nil, 15))
}

func testConfig(baseUrl string) Config {
	return Config{
		BaseUrl:           baseUrl,
		Timeout:           time.Second,
		Limit:             1000,
		RequestsPerSecond: 1000,
		Burst:             10,
		Attempts:          3,
		RetryDelay:        time.Millisecond,
		CacheTTL:          time.Minute,
	}
}

func withServer(t *testing.T, handler http.HandlerFunc, action func(c *Client, calls *int32)) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	defer server.Close()
	action(NewClient(testConfig(server.URL)), &calls)
}
