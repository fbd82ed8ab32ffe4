package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/lambda-runtime/pkg/processor"
	"github.com/psantana5/lambda-runtime/pkg/runner"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
)

type reply struct {
	status int
	id     string
	body   string
}

type seen struct {
	method string
	path   string
	body   string
	header http.Header
}

// runtimeHost serves the Runtime API from a script of next replies. Report
// endpoints answer with fixed statuses.
type runtimeHost struct {
	mu             sync.Mutex
	next           []reply
	responseStatus int
	errorStatus    int
	initStatus     int
	requests       []seen
}

func newRuntimeHost(next ...reply) *runtimeHost {
	return &runtimeHost{
		next:           next,
		responseStatus: http.StatusAccepted,
		errorStatus:    http.StatusAccepted,
		initStatus:     http.StatusAccepted,
	}
}

func (h *runtimeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, seen{method: r.Method, path: r.URL.Path, body: string(body), header: r.Header.Clone()})

	const root = "/2018-06-01/runtime/"
	path := strings.TrimPrefix(r.URL.Path, root)
	switch {
	case path == "invocation/next":
		if len(h.next) == 0 {
			http.Error(w, "no more work", http.StatusGone)
			return
		}
		rep := h.next[0]
		h.next = h.next[1:]
		if rep.id != "" {
			w.Header().Set(runtimeapi.HeaderRequestID, rep.id)
		}
		w.WriteHeader(rep.status)
		_, _ = io.WriteString(w, rep.body)
	case path == "init/error":
		w.WriteHeader(h.initStatus)
	case strings.HasSuffix(path, "/response"):
		w.WriteHeader(h.responseStatus)
	case strings.HasSuffix(path, "/error"):
		w.WriteHeader(h.errorStatus)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *runtimeHost) paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.requests))
	for _, r := range h.requests {
		out = append(out, r.method+" "+strings.TrimPrefix(r.path, "/2018-06-01/runtime/"))
	}
	return out
}

func (h *runtimeHost) request(i int) seen {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[i]
}

func runAgainst(t *testing.T, host *runtimeHost, p processor.Processor) error {
	t.Helper()
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)
	client := runtimeapi.NewClient(srv.URL)
	return runner.New(client, p).Run(context.Background())
}

func TestScenario_SuccessfulInvocation(t *testing.T) {
	host := newRuntimeHost(reply{status: 200, id: "id1", body: "{}"})

	err := runAgainst(t, host, processor.Func(func(context.Context, []byte) ([]byte, error) {
		return []byte("result"), nil
	}))

	require.Error(t, err)
	assert.Equal(t, []string{
		"GET invocation/next",
		"POST invocation/id1/response",
		"GET invocation/next",
		"POST init/error",
	}, host.paths())
	assert.Equal(t, "result", host.request(1).body)
	assert.Equal(t, runtimeapi.ContentTypeJSON, host.request(1).header.Get("Content-Type"))
}

func TestScenario_ForbiddenFetchTerminates(t *testing.T) {
	host := newRuntimeHost(reply{status: 403, body: "Forbidden error"})

	err := runAgainst(t, host, processor.Echo{})

	require.Error(t, err)
	assert.True(t, runtimeapi.IsProtocolError(err))
	assert.Equal(t, []string{"GET invocation/next", "POST init/error"}, host.paths())

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(host.request(1).body), &envelope))
	assert.Equal(t, "*runtimeapi.ProtocolError", envelope["errorType"])
	assert.Contains(t, envelope["errorMessage"], "status code 403 with message: 'Forbidden error'")
	assert.Equal(t, runtimeapi.ErrorTypeUnhandled, host.request(1).header.Get(runtimeapi.HeaderErrorType))
}

func TestScenario_ProcessorFailureContinues(t *testing.T) {
	host := newRuntimeHost(
		reply{status: 200, id: "id1", body: "{}"},
		reply{status: 200, id: "id2", body: "{}"},
	)
	calls := 0
	err := runAgainst(t, host, processor.Func(func(_ context.Context, in []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return in, nil
	}))

	require.Error(t, err)
	assert.Equal(t, []string{
		"GET invocation/next",
		"POST invocation/id1/error",
		"GET invocation/next",
		"POST invocation/id2/response",
		"GET invocation/next",
		"POST init/error",
	}, host.paths())

	var envelope struct {
		ErrorType    string   `json:"errorType"`
		ErrorMessage string   `json:"errorMessage"`
		StackTrace   []string `json:"stackTrace"`
	}
	require.NoError(t, json.Unmarshal([]byte(host.request(1).body), &envelope))
	assert.Equal(t, "*errors.errorString", envelope.ErrorType)
	assert.Equal(t, "boom", envelope.ErrorMessage)
	assert.NotEmpty(t, envelope.StackTrace)
}

func TestScenario_AcceptedInitReportStillTerminates(t *testing.T) {
	host := newRuntimeHost(reply{status: 500, body: "Internal Server Error"})
	host.initStatus = http.StatusAccepted

	err := runAgainst(t, host, processor.Echo{})

	require.Error(t, err)
	assert.Equal(t, "runtime unable to continue. POSTed initialization error, receiving status: 202", err.Error())
	assert.Equal(t, []string{"GET invocation/next", "POST init/error"}, host.paths())
}

func TestScenario_RejectedErrorReportTerminates(t *testing.T) {
	host := newRuntimeHost(
		reply{status: 200, id: "id1", body: "{}"},
		reply{status: 200, id: "id2", body: "{}"},
	)
	host.errorStatus = http.StatusInternalServerError

	err := runAgainst(t, host, processor.Func(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}))

	require.Error(t, err)
	assert.Equal(t, []string{
		"GET invocation/next",
		"POST invocation/id1/error",
		"POST init/error",
	}, host.paths())
}

func TestScenario_MissingRequestIDTerminates(t *testing.T) {
	host := newRuntimeHost(reply{status: 200, body: "{}"})

	err := runAgainst(t, host, processor.Echo{})

	require.Error(t, err)
	assert.Equal(t, []string{"GET invocation/next", "POST init/error"}, host.paths())
	assert.Contains(t, host.request(1).body, "returned no header value for Lambda-Runtime-Aws-Request-Id")
}
