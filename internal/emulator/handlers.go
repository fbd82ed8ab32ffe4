package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/psantana5/lambda-runtime/pkg/failure"
	"github.com/psantana5/lambda-runtime/pkg/runtimeapi"
)

// Invoke API paths and headers
const (
	InvokePath           = "/2015-03-31/functions/function/invocations"
	HeaderFunctionError  = "X-Amz-Function-Error"
	HeaderAmzRequestID   = "X-Amz-Request-Id"
	runtimePrefix        = "/" + runtimeapi.APIVersion + "/runtime"
	invocationIDVariable = "id"
)

type apiError struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *Emulator) routes() *mux.Router {
	r := mux.NewRouter()

	rt := r.PathPrefix(runtimePrefix).Subrouter()
	rt.HandleFunc("/invocation/next", e.handleNext).Methods(http.MethodGet)
	rt.HandleFunc("/invocation/{id}/response", e.handleResponse).Methods(http.MethodPost)
	rt.HandleFunc("/invocation/{id}/error", e.handleInvocationError).Methods(http.MethodPost)
	rt.HandleFunc("/init/error", e.handleInitError).Methods(http.MethodPost)

	r.HandleFunc(InvokePath, e.throttle(e.handleInvoke)).Methods(http.MethodPost)
	return r
}

func (e *Emulator) handleNext(w http.ResponseWriter, r *http.Request) {
	p, err := e.next(r.Context())
	if err != nil {
		if errors.Is(err, ErrInitFailed) {
			writeJSON(w, http.StatusForbidden, apiError{ErrorType: "InvalidStateTransition", ErrorMessage: err.Error()})
		}
		// a cancelled long-poll has nobody left to answer
		return
	}

	h := w.Header()
	h.Set(runtimeapi.HeaderRequestID, p.id)
	h.Set(runtimeapi.HeaderDeadlineMs, strconv.FormatInt(p.deadline.UnixMilli(), 10))
	h.Set(runtimeapi.HeaderFunctionARN, e.FunctionARN())
	h.Set(runtimeapi.HeaderTraceID, p.traceID)
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.payload)
}

func (e *Emulator) handleResponse(w http.ResponseWriter, r *http.Request) {
	e.finish(w, r, "")
}

func (e *Emulator) handleInvocationError(w http.ResponseWriter, r *http.Request) {
	errorType := r.Header.Get(runtimeapi.HeaderErrorType)
	if errorType == "" {
		errorType = runtimeapi.ErrorTypeUnhandled
	}
	e.finish(w, r, errorType)
}

func (e *Emulator) finish(w http.ResponseWriter, r *http.Request, functionError string) {
	id := mux.Vars(r)[invocationIDVariable]
	body, ok := readPayload(w, r)
	if !ok {
		return
	}

	if !e.complete(Result{RequestID: id, Payload: body, FunctionError: functionError}) {
		writeJSON(w, http.StatusBadRequest, apiError{
			ErrorType:    "InvalidRequestID",
			ErrorMessage: fmt.Sprintf("no in-flight invocation with id %q", id),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "OK"})
}

func (e *Emulator) handleInitError(w http.ResponseWriter, r *http.Request) {
	body, ok := readPayload(w, r)
	if !ok {
		return
	}
	e.logger.Error("Runtime reported an initialization error", map[string]interface{}{"body": string(body)})
	e.fail(body)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "OK"})
}

func (e *Emulator) handleInvoke(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := e.Invoke(r.Context(), payload)
	if res.RequestID != "" {
		w.Header().Set(HeaderAmzRequestID, res.RequestID)
	}
	switch {
	case err == nil:
		if res.FunctionError != "" {
			w.Header().Set(HeaderFunctionError, res.FunctionError)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Payload)
	case errors.Is(err, ErrInitFailed):
		body, _ := e.InitError()
		w.Header().Set(HeaderFunctionError, runtimeapi.ErrorTypeUnhandled)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(body)
	case errors.Is(err, ErrTimeout):
		w.Header().Set(HeaderFunctionError, runtimeapi.ErrorTypeUnhandled)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		msg := err.Error()
		_ = json.NewEncoder(w).Encode(failure.Envelope{
			ErrorType:    "Sandbox.Timedout",
			ErrorMessage: &msg,
			StackTrace:   []string{},
		})
	default:
		// client went away
	}
}

func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError{
				ErrorType:    "RequestEntityTooLarge",
				ErrorMessage: fmt.Sprintf("payload exceeds %d bytes", MaxPayloadBytes),
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, apiError{ErrorType: "InvalidPayload", ErrorMessage: err.Error()})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
