package composer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbg-ethz/sigcomposer/internal/broker"
	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/jobqueue"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRoutes_ComposeSignature(t *testing.T) {
	withRouter(t, func(router *gin.Engine, _ *broker.InMemoryBroker, _ *stubFetcher) {
		w := send(router, http.MethodPost, "/v1/sessions/ui-1", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{
			"prefix":"ui-1",
			"created_at":"2025-05-01T09:00:00Z",
			"signatures":{"default":{"variant":"","mutations":[],"min_abundance":0.8,"min_coverage":15}},
			"jobs":[]
		}`, w.Body.String())

		w = send(router, http.MethodPut, "/v1/sessions/ui-1/variant", `{"variant":"LP.8"}`)
		require.Equal(t, http.StatusOK, w.Code)
		w = send(router, http.MethodPost, "/v1/sessions/ui-1/mutations", `{"mutation":"S:N501Y"}`)
		require.Equal(t, http.StatusOK, w.Code)
		w = send(router, http.MethodPost, "/v1/sessions/ui-1/mutations", `{"mutation":"c241t"}`)
		require.Equal(t, http.StatusOK, w.Code)
		w = send(router, http.MethodPut, "/v1/sessions/ui-1/thresholds", `{"min_abundance":1.7,"min_coverage":30}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"variant":"LP.8","mutations":["C241T","S:N501Y"],"min_abundance":1,"min_coverage":30}`, w.Body.String())

		w = send(router, http.MethodDelete, "/v1/sessions/ui-1/mutations/S:N501Y", "")
		require.Equal(t, http.StatusOK, w.Code)

		w = send(router, http.MethodGet, "/v1/sessions/ui-1/signature", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"variant":"LP.8","mutations":["C241T"],"min_abundance":1,"min_coverage":30}`, w.Body.String())
	})
}

func TestRoutes_Errors(t *testing.T) {
	tests := map[string]struct {
		method         string
		path           string
		body           string
		expectedStatus int
	}{
		"invalid mutation": {
			method:         http.MethodPost,
			path:           "/v1/sessions/ui-1/mutations",
			body:           `{"mutation":"XYZ"}`,
			expectedStatus: http.StatusBadRequest,
		},
		"missing mutation": {
			method:         http.MethodPost,
			path:           "/v1/sessions/ui-1/mutations",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
		},
		"negative coverage": {
			method:         http.MethodPut,
			path:           "/v1/sessions/ui-1/thresholds",
			body:           `{"min_abundance":0.8,"min_coverage":-1}`,
			expectedStatus: http.StatusBadRequest,
		},
		"missing threshold": {
			method:         http.MethodPut,
			path:           "/v1/sessions/ui-1/thresholds",
			body:           `{"min_abundance":0.8}`,
			expectedStatus: http.StatusBadRequest,
		},
		"remove unknown mutation": {
			method:         http.MethodDelete,
			path:           "/v1/sessions/ui-1/mutations/C241T",
			expectedStatus: http.StatusNotFound,
		},
		"invalid session": {
			method:         http.MethodPost,
			path:           "/v1/sessions/" + strings.Repeat("x", 65),
			expectedStatus: http.StatusBadRequest,
		},
		"unknown job kind": {
			method:         http.MethodPost,
			path:           "/v1/sessions/ui-1/jobs",
			body:           `{"kind":"phylogeny"}`,
			expectedStatus: http.StatusBadRequest,
		},
		"job without mutations": {
			method:         http.MethodPost,
			path:           "/v1/sessions/ui-1/jobs",
			body:           `{"kind":"heatmap"}`,
			expectedStatus: http.StatusBadRequest,
		},
		"malformed fingerprint": {
			method:         http.MethodGet,
			path:           "/v1/jobs/abc",
			expectedStatus: http.StatusBadRequest,
		},
		"unknown job": {
			method:         http.MethodGet,
			path:           "/v1/jobs/" + strings.Repeat("0", 64),
			expectedStatus: http.StatusNotFound,
		},
		"unknown named signature": {
			method:         http.MethodGet,
			path:           "/v1/sessions/ui-1/signatures/BA.2",
			expectedStatus: http.StatusNotFound,
		},
		"job over unknown signature": {
			method:         http.MethodPost,
			path:           "/v1/sessions/ui-1/jobs",
			body:           `{"kind":"deconvolution","signatures":["BA.2"]}`,
			expectedStatus: http.StatusNotFound,
		},
		"malformed signature document": {
			method:         http.MethodPut,
			path:           "/v1/sessions/ui-1/signature.yaml",
			body:           "mutations: [",
			expectedStatus: http.StatusBadRequest,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withRouter(t, func(router *gin.Engine, b *broker.InMemoryBroker, _ *stubFetcher) {
				w := send(router, tc.method, tc.path, tc.body)
				assert.Equal(t, tc.expectedStatus, w.Code)
				var body map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.NotEmpty(t, body["error"])
				assert.Equal(t, 0, b.Backlog())
			})
		})
	}
}

func TestRoutes_SubmitAndPoll(t *testing.T) {
	withRouter(t, func(router *gin.Engine, b *broker.InMemoryBroker, _ *stubFetcher) {
		for _, session := range []string{"ui-1", "ui-2"} {
			send(router, http.MethodPut, "/v1/sessions/"+session+"/variant", `{"variant":"LP.8"}`)
			send(router, http.MethodPost, "/v1/sessions/"+session+"/mutations", `{"mutation":"C241T"}`)
		}

		w := send(router, http.MethodPost, "/v1/sessions/ui-1/jobs", `{"kind":"heatmap","params":{"palette":"viridis"}}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		var first submitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
		assert.True(t, first.Created)
		assert.Equal(t, resultcache.Pending, first.State)

		w = send(router, http.MethodPost, "/v1/sessions/ui-2/jobs", `{"kind":"HEATMAP","params":{"palette":"viridis"}}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		var second submitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
		assert.False(t, second.Created)
		assert.Equal(t, first.Fingerprint, second.Fingerprint)
		assert.Equal(t, 1, b.Backlog())

		w = send(router, http.MethodGet, "/v1/jobs/"+first.Fingerprint.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		var status map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, "PENDING", status["state"])
		assert.Equal(t, "heatmap", status["kind"])

		w = send(router, http.MethodGet, "/v1/sessions/ui-2/jobs", "")
		require.Equal(t, http.StatusOK, w.Code)
		var jobs []map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
		require.Len(t, jobs, 1)
		assert.Equal(t, first.Fingerprint.String(), jobs[0]["fingerprint"])

		w = send(router, http.MethodGet, "/v1/sessions/ui-2/jobs?state=pending", "")
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
		assert.Len(t, jobs, 1)
		w = send(router, http.MethodGet, "/v1/sessions/ui-2/jobs?state=SUCCESS", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
		w = send(router, http.MethodGet, "/v1/sessions/ui-2/jobs?state=cancelled", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = send(router, http.MethodDelete, "/v1/jobs/"+first.Fingerprint.String(), "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRoutes_SignatureDocument(t *testing.T) {
	withRouter(t, func(router *gin.Engine, _ *broker.InMemoryBroker, _ *stubFetcher) {
		send(router, http.MethodPut, "/v1/sessions/ui-1/variant", `{"variant":"LP.8"}`)
		send(router, http.MethodPost, "/v1/sessions/ui-1/mutations", `{"mutation":"S:N501Y"}`)

		w := send(router, http.MethodGet, "/v1/sessions/ui-1/signature.yaml", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "variant: LP.8")

		w = send(router, http.MethodPut, "/v1/sessions/ui-2/signature.yaml", w.Body.String())
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"variant":"LP.8","mutations":["S:N501Y"],"min_abundance":0.8,"min_coverage":15}`, w.Body.String())
	})
}

func TestRoutes_NamedSignatures(t *testing.T) {
	withRouter(t, func(router *gin.Engine, b *broker.InMemoryBroker, _ *stubFetcher) {
		for variant, mutation := range map[string]string{"LP.8": "C241T", "XEC": "C3037T"} {
			w := send(router, http.MethodPut, "/v1/sessions/ui-1/signatures/"+variant+"/variant", `{"variant":"`+variant+`"}`)
			require.Equal(t, http.StatusOK, w.Code)
			w = send(router, http.MethodPost, "/v1/sessions/ui-1/signatures/"+variant+"/mutations", `{"mutation":"`+mutation+`"}`)
			require.Equal(t, http.StatusOK, w.Code)
		}

		w := send(router, http.MethodGet, "/v1/sessions/ui-1/signatures/XEC", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"variant":"XEC","mutations":["C3037T"],"min_abundance":0.8,"min_coverage":15}`, w.Body.String())
		w = send(router, http.MethodGet, "/v1/sessions/ui-1/signature", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"mutations":[]`)

		w = send(router, http.MethodPost, "/v1/sessions/ui-1/jobs", `{"kind":"heatmap","signatures":["LP.8","XEC"]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = send(router, http.MethodPost, "/v1/sessions/ui-1/jobs", `{"kind":"deconvolution"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		var both submitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &both))
		w = send(router, http.MethodPost, "/v1/sessions/ui-1/jobs", `{"kind":"deconvolution","signatures":["XEC","LP.8"]}`)
		require.Equal(t, http.StatusAccepted, w.Code)
		var again submitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
		assert.Equal(t, both.Fingerprint, again.Fingerprint)
		assert.False(t, again.Created)
		assert.Equal(t, 1, b.Backlog())

		send(router, http.MethodPost, "/v1/sessions/ui-1/mutations", `{"mutation":"A23403G"}`)
		w = send(router, http.MethodPost, "/v1/sessions/ui-1/signatures", `{"name":"custom"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"mutations":["A23403G"]`)
		w = send(router, http.MethodPost, "/v1/sessions/ui-1/signatures", `{"name":"LP.8"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		w = send(router, http.MethodDelete, "/v1/sessions/ui-1/signatures/custom", "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = send(router, http.MethodDelete, "/v1/sessions/ui-1/signatures/XEC", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		w = send(router, http.MethodGet, "/v1/sessions/ui-1", "")
		require.Equal(t, http.StatusOK, w.Code)
		var view sessionView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		assert.Len(t, view.Signatures, 2)
		assert.Contains(t, view.Signatures, "LP.8")
		assert.Equal(t, []jobspec.Fingerprint{both.Fingerprint}, view.Jobs)
	})
}

func TestRoutes_FetchUpstreamFailure(t *testing.T) {
	withRouter(t, func(router *gin.Engine, _ *broker.InMemoryBroker, fetcher *stubFetcher) {
		fetcher.err = errors.WithStack(&composererrors.ErrUpstreamQuery{Variant: "LP.8", StatusCode: 503})
		w := send(router, http.MethodPost, "/v1/sessions/ui-1/fetch", `{"variant":"LP.8"}`)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), "with status 503")
	})
}

func TestRoutes_SessionClose(t *testing.T) {
	withRouter(t, func(router *gin.Engine, _ *broker.InMemoryBroker, _ *stubFetcher) {
		send(router, http.MethodPost, "/v1/sessions/ui-1/mutations", `{"mutation":"C241T"}`)
		w := send(router, http.MethodDelete, "/v1/sessions/ui-1", "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = send(router, http.MethodGet, "/v1/sessions/ui-1/signature", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"mutations":[]`)
	})
}

func TestToJobView(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		status   jobqueue.JobStatus
		expected string
	}{
		"json result is embedded": {
			status:   jobqueue.JobStatus{State: resultcache.Success, Result: []byte(`{"rows":2}`)},
			expected: `{"rows":2}`,
		},
		"other results are strings": {
			status:   jobqueue.JobStatus{State: resultcache.Success, Result: []byte("plain text")},
			expected: `"plain text"`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tc.status.SubmittedAt = now
			tc.status.UpdatedAt = now
			data, err := json.Marshal(toJobView(&tc.status))
			require.NoError(t, err)
			var decoded map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.JSONEq(t, tc.expected, string(decoded["result"]))
		})
	}

	failed := toJobView(&jobqueue.JobStatus{
		Fingerprint:   jobspec.Fingerprint("abc"),
		State:         resultcache.Failed,
		FailureReason: resultcache.FailureTimeout,
		RetryCount:    3,
	})
	assert.Equal(t, "job abc timed out: no heartbeat after 3 retries", failed.Error)
	assert.Nil(t, failed.Result)
}

func send(router http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func withRouter(t *testing.T, action func(router *gin.Engine, b *broker.InMemoryBroker, fetcher *stubFetcher)) {
	withService(t, func(s *Service, b *broker.InMemoryBroker, fetcher *stubFetcher) {
		router := gin.New()
		RegisterRoutes(router, s)
		action(router, b, fetcher)
	})
}
