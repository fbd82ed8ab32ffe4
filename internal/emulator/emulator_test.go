package emulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/lambda-runtime/pkg/processor"
	"github.com/psantana5/lambda-runtime/pkg/runner"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
	"github.com/psantana5/lambda-runtime/pkg/tracing"
)

func startEmulator(t *testing.T, opts ...Option) (*Emulator, *httptest.Server) {
	t.Helper()
	e := New(opts...)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	return e, srv
}

// startRunner runs the invocation loop against srv until the test ends
func startRunner(t *testing.T, srv *httptest.Server, p processor.Processor) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runner.New(runtimeapi.NewClient(srv.URL), p).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("runner did not stop")
		}
	})
	return done
}

func invoke(t *testing.T, srv *httptest.Server, payload string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+InvokePath, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestInvoke_RoundTripThroughRunner(t *testing.T) {
	e, srv := startEmulator(t)
	startRunner(t, srv, processor.Func(func(_ context.Context, in []byte) ([]byte, error) {
		return bytes.ToUpper(in), nil
	}))

	for _, payload := range []string{`{"n":"a"}`, `{"n":"b"}`} {
		res, err := e.Invoke(context.Background(), []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(payload), string(res.Payload))
		assert.Empty(t, res.FunctionError)
		assert.NotEmpty(t, res.RequestID)
	}
}

func TestInvoke_FunctionErrorThroughRunner(t *testing.T) {
	_, srv := startEmulator(t)
	startRunner(t, srv, processor.Func(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}))

	resp := invoke(t, srv, `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runtimeapi.ErrorTypeUnhandled, resp.Header.Get(HeaderFunctionError))
	assert.NotEmpty(t, resp.Header.Get(HeaderAmzRequestID))

	var envelope struct {
		ErrorType    string   `json:"errorType"`
		ErrorMessage string   `json:"errorMessage"`
		StackTrace   []string `json:"stackTrace"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "*errors.errorString", envelope.ErrorType)
	assert.Equal(t, "boom", envelope.ErrorMessage)
}

func TestInvoke_HTTPSuccess(t *testing.T) {
	_, srv := startEmulator(t)
	startRunner(t, srv, processor.Echo{})

	resp := invoke(t, srv, `{"hello":"world"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderFunctionError))
	assert.JSONEq(t, `{"hello":"world"}`, readAll(t, resp.Body))
}

func TestInvoke_EmptyPayloadBecomesEmptyObject(t *testing.T) {
	_, srv := startEmulator(t)
	startRunner(t, srv, processor.Echo{})

	resp := invoke(t, srv, "")
	assert.Equal(t, "{}", readAll(t, resp.Body))
}

func TestNext_Headers(t *testing.T) {
	e, srv := startEmulator(t, WithFunctionName("thumbnailer"), WithFunctionTimeout(time.Minute))

	go func() { _, _ = e.Invoke(context.Background(), []byte(`{"k":1}`)) }()

	resp, err := http.Get(srv.URL + "/2018-06-01/runtime/invocation/next")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"k":1}`, readAll(t, resp.Body))
	assert.NotEmpty(t, resp.Header.Get(runtimeapi.HeaderRequestID))
	assert.Equal(t, "arn:aws:lambda:us-east-1:000000000000:function:thumbnailer", resp.Header.Get(runtimeapi.HeaderFunctionARN))
	assert.True(t, strings.HasPrefix(resp.Header.Get(runtimeapi.HeaderTraceID), "Root=1-"))

	ms, err := strconv.ParseInt(resp.Header.Get(runtimeapi.HeaderDeadlineMs), 10, 64)
	require.NoError(t, err)
	deadline := time.UnixMilli(ms)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestNext_LongPollEndsWithClient(t *testing.T) {
	_, srv := startEmulator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/2018-06-01/runtime/invocation/next", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = http.DefaultClient.Do(req)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResponse_UnknownAndDuplicateID(t *testing.T) {
	e, srv := startEmulator(t)
	client := runtimeapi.NewClient(srv.URL)

	err := client.RespondSuccess(context.Background(), "nope", []byte("x"))
	var pe *runtimeapi.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)

	results := make(chan Result, 1)
	go func() {
		res, _ := e.Invoke(context.Background(), []byte("{}"))
		results <- res
	}()

	inv, err := client.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.RespondSuccess(context.Background(), inv.RequestID, []byte("first")))

	err = client.RespondSuccess(context.Background(), inv.RequestID, []byte("second"))
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)

	res := <-results
	assert.Equal(t, inv.RequestID, res.RequestID)
	assert.Equal(t, "first", string(res.Payload))
}

func TestInitError_FailsInvokes(t *testing.T) {
	e, srv := startEmulator(t)
	client := runtimeapi.NewClient(srv.URL)

	err := client.ReportInitError(context.Background(), errors.New("missing handler"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receiving status: 202")

	body, failed := e.InitError()
	require.True(t, failed)
	assert.Contains(t, string(body), "missing handler")

	_, err = e.Invoke(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, ErrInitFailed)

	resp := invoke(t, srv, "{}")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, readAll(t, resp.Body), "missing handler")

	_, err = client.Next(context.Background())
	var pe *runtimeapi.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusForbidden, pe.Status)
}

func TestInitError_ReleasesWaitingInvoke(t *testing.T) {
	e, srv := startEmulator(t)
	client := runtimeapi.NewClient(srv.URL)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), []byte("{}"))
		errs <- err
	}()

	_, err := client.Next(context.Background())
	require.NoError(t, err)
	_ = client.ReportInitError(context.Background(), errors.New("crashed"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInitFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("invoke still waiting after init error")
	}
}

func TestInvoke_Timeout(t *testing.T) {
	e, srv := startEmulator(t, WithFunctionTimeout(50*time.Millisecond))

	_, err := e.Invoke(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.EqualError(t, err, "task timed out after 0.05 seconds")

	resp := invoke(t, srv, "{}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runtimeapi.ErrorTypeUnhandled, resp.Header.Get(HeaderFunctionError))
	assert.Contains(t, readAll(t, resp.Body), `"errorType":"Sandbox.Timedout"`)
}

func TestInvoke_TimeoutDoesNotEndSession(t *testing.T) {
	e, srv := startEmulator(t, WithFunctionTimeout(200*time.Millisecond))
	done := startRunner(t, srv, processor.Func(func(ctx context.Context, in []byte) ([]byte, error) {
		if string(in) == `"slow"` {
			<-ctx.Done()
			// answer only after the emulator has given up on the event
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		}
		return in, nil
	}))

	first := invoke(t, srv, `"slow"`)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Contains(t, readAll(t, first.Body), `"errorType":"Sandbox.Timedout"`)

	second := invoke(t, srv, `{"n":2}`)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Empty(t, second.Header.Get(HeaderFunctionError))
	assert.JSONEq(t, `{"n":2}`, readAll(t, second.Body))

	_, failed := e.InitError()
	assert.False(t, failed)
	select {
	case err := <-done:
		t.Fatalf("runner stopped: %v", err)
	default:
	}
}

func TestResponse_LateAnswerIsAccepted(t *testing.T) {
	e, srv := startEmulator(t, WithFunctionTimeout(50*time.Millisecond))
	client := runtimeapi.NewClient(srv.URL)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), []byte("{}"))
		errs <- err
	}()

	inv, err := client.Next(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, <-errs, ErrTimeout)

	assert.NoError(t, client.RespondSuccess(context.Background(), inv.RequestID, []byte("late")))

	err = client.RespondSuccess(context.Background(), inv.RequestID, []byte("again"))
	var pe *runtimeapi.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
}

func TestResponse_LateErrorIsAccepted(t *testing.T) {
	e, srv := startEmulator(t, WithFunctionTimeout(50*time.Millisecond))
	client := runtimeapi.NewClient(srv.URL)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), []byte("{}"))
		errs <- err
	}()

	inv, err := client.Next(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, <-errs, ErrTimeout)

	assert.NoError(t, client.RespondError(context.Background(), inv.RequestID, errors.New("too slow")))
	_, failed := e.InitError()
	assert.False(t, failed)
}

func TestInvoke_AbandonedEventIsSkipped(t *testing.T) {
	e, srv := startEmulator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Invoke(ctx, []byte(`"abandoned"`))
	assert.ErrorIs(t, err, context.Canceled)

	go func() { _, _ = e.Invoke(context.Background(), []byte(`"live"`)) }()

	inv, err := runtimeapi.NewClient(srv.URL).Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"live"`, string(inv.Body))
}

func TestPayloadTooLarge(t *testing.T) {
	_, srv := startEmulator(t)

	resp := invoke(t, srv, strings.Repeat("x", MaxPayloadBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestTracingMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p := tracing.NewProvider("emulator", sdktrace.WithSpanProcessor(recorder))
	e := New(WithTracing(p))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/2018-06-01/runtime/invocation/unknown/response", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /2018-06-01/runtime/invocation/unknown/response", spans[0].Name())
}

func TestThrottle(t *testing.T) {
	_, srv := startEmulator(t, WithThrottle(0.001, 1), WithFunctionTimeout(20*time.Millisecond))

	first := invoke(t, srv, "{}")
	assert.Equal(t, http.StatusOK, first.StatusCode) // timed out, but admitted

	second := invoke(t, srv, "{}")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Contains(t, readAll(t, second.Body), "TooManyRequestsException")
}

func TestThrottle_DisabledByDefault(t *testing.T) {
	e := New(WithThrottle(0, 0))
	assert.Nil(t, e.limiter)
}
