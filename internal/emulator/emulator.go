package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/psantana5/lambda-runtime/pkg/logging"
	"github.com/psantana5/lambda-runtime/pkg/tracing"
)

// Defaults
const (
	DefaultFunctionName    = "function"
	DefaultFunctionTimeout = 30 * time.Second
	DefaultQueueSize       = 128
	MaxPayloadBytes        = 6 << 20
)

var (
	// ErrInitFailed is returned by Invoke once the runtime reported an init error
	ErrInitFailed = errors.New("runtime failed to initialize")
	// ErrTimeout is returned when the runtime does not answer before the deadline
	ErrTimeout = errors.New("task timed out")
)

// Result is what the runtime posted back for one event
type Result struct {
	RequestID string
	Payload   []byte
	// FunctionError is empty on success and the Lambda-Runtime-Function-Error-Type
	// value (usually "Unhandled") when the runtime reported an invocation error.
	FunctionError string
}

type pending struct {
	id       string
	payload  []byte
	deadline time.Time
	traceID  string
	result   chan Result
}

// Emulator is an in-process Runtime API host. Events submitted through
// Invoke are handed to whatever runtime polls invocation/next.
type Emulator struct {
	mu           sync.Mutex
	inflight     map[string]*pending
	expired      map[string]struct{}
	queue        chan *pending
	initErr      []byte
	failed       chan struct{}
	failOnce     sync.Once
	functionName string
	timeout      time.Duration
	logger       *logging.Logger
	provider     *tracing.Provider
	limiter      *rate.Limiter
	router       *mux.Router
	httpServer   *http.Server
	listener     net.Listener
}

// Option configures an Emulator
type Option func(e *Emulator)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Emulator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFunctionName sets the name used in the invoked function ARN
func WithFunctionName(name string) Option {
	return func(e *Emulator) {
		if name != "" {
			e.functionName = name
		}
	}
}

// WithFunctionTimeout sets how long an event may run
func WithFunctionTimeout(d time.Duration) Option {
	return func(e *Emulator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithQueueSize bounds the number of events waiting for the runtime
func WithQueueSize(n int) Option {
	return func(e *Emulator) {
		if n > 0 {
			e.queue = make(chan *pending, n)
		}
	}
}

// WithTracing wraps every endpoint in a server span
func WithTracing(p *tracing.Provider) Option {
	return func(e *Emulator) {
		e.provider = p
	}
}

// New creates an emulator
func New(opts ...Option) *Emulator {
	e := &Emulator{
		inflight:     make(map[string]*pending),
		expired:      make(map[string]struct{}),
		queue:        make(chan *pending, DefaultQueueSize),
		failed:       make(chan struct{}),
		functionName: DefaultFunctionName,
		timeout:      DefaultFunctionTimeout,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.router = e.routes()
	return e
}

// FunctionARN is the ARN reported to the runtime
func (e *Emulator) FunctionARN() string {
	return "arn:aws:lambda:us-east-1:000000000000:function:" + e.functionName
}

// InitError returns the body of the init error report, if any
func (e *Emulator) InitError() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initErr, e.initErr != nil
}

// Invoke queues payload and waits for the runtime to answer it
func (e *Emulator) Invoke(ctx context.Context, payload []byte) (Result, error) {
	select {
	case <-e.failed:
		return Result{}, ErrInitFailed
	default:
	}

	p := &pending{
		id:       uuid.NewString(),
		payload:  payload,
		deadline: time.Now().Add(e.timeout),
		traceID:  newTraceID(),
		result:   make(chan Result, 1),
	}

	e.mu.Lock()
	e.inflight[p.id] = p
	e.mu.Unlock()
	defer e.forget(p.id)

	logger := e.logger.WithField("request_id", p.id)
	select {
	case e.queue <- p:
		logger.Debug("Event queued", map[string]interface{}{"bytes": len(payload)})
	case <-e.failed:
		return Result{RequestID: p.id}, ErrInitFailed
	case <-ctx.Done():
		return Result{RequestID: p.id}, ctx.Err()
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case res := <-p.result:
		logger.Info("Event completed", map[string]interface{}{"function_error": res.FunctionError})
		return res, nil
	case <-timer.C:
		e.expire(p.id)
		logger.Warn("Event timed out", map[string]interface{}{"timeout": e.timeout.String()})
		return Result{RequestID: p.id}, fmt.Errorf("%w after %.2f seconds", ErrTimeout, e.timeout.Seconds())
	case <-e.failed:
		return Result{RequestID: p.id}, ErrInitFailed
	case <-ctx.Done():
		return Result{RequestID: p.id}, ctx.Err()
	}
}

// next blocks until an event is queued or ctx is done
func (e *Emulator) next(ctx context.Context) (*pending, error) {
	for {
		select {
		case p := <-e.queue:
			e.mu.Lock()
			_, live := e.inflight[p.id]
			delete(e.expired, p.id)
			e.mu.Unlock()
			if !live {
				// caller gave up before the runtime got to it
				continue
			}
			return p, nil
		case <-e.failed:
			return nil, ErrInitFailed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// complete hands res to the waiting Invoke. A late answer for a timed-out
// event is accepted and dropped so the runtime can move on to the next one.
// It reports false for an id that is unknown or already answered.
func (e *Emulator) complete(res Result) bool {
	e.mu.Lock()
	p, ok := e.inflight[res.RequestID]
	if ok {
		delete(e.inflight, res.RequestID)
	}
	_, late := e.expired[res.RequestID]
	if late {
		delete(e.expired, res.RequestID)
	}
	e.mu.Unlock()
	if late {
		e.logger.Warn("Dropping answer for timed-out event", map[string]interface{}{
			"request_id":     res.RequestID,
			"function_error": res.FunctionError,
		})
		return true
	}
	if !ok {
		return false
	}
	p.result <- res
	return true
}

// expire retires id after a timeout but keeps accepting its answer
func (e *Emulator) expire(id string) {
	e.mu.Lock()
	if _, ok := e.inflight[id]; ok {
		delete(e.inflight, id)
		e.expired[id] = struct{}{}
	}
	e.mu.Unlock()
}

func (e *Emulator) forget(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Emulator) fail(body []byte) {
	e.mu.Lock()
	if e.initErr == nil {
		e.initErr = body
	}
	e.mu.Unlock()
	e.failOnce.Do(func() { close(e.failed) })
}

// newTraceID formats an X-Ray style trace header
func newTraceID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("Root=1-%08x-%s;Sampled=0", time.Now().Unix(), hex[:24])
}

// Handler returns the HTTP handler serving the Runtime API and the invoke API
func (e *Emulator) Handler() http.Handler {
	if e.provider != nil {
		return tracing.HTTPMiddleware(e.provider)(e.router)
	}
	return e.router
}

// Start listens on addr and serves in the background
func (e *Emulator) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	e.listener = ln
	// no WriteTimeout: invocation/next long-polls
	e.httpServer = &http.Server{Handler: e.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		e.logger.Info("Runtime API emulator listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := e.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Emulator server error", map[string]interface{}{"error": err})
		}
	}()
	return nil
}

// Addr returns the bound address after Start
func (e *Emulator) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Shutdown stops the HTTP server
func (e *Emulator) Shutdown(ctx context.Context) error {
	if e.httpServer == nil {
		return nil
	}
	return e.httpServer.Shutdown(ctx)
}
