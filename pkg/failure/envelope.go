package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/go-errors/errors"
)

// FallbackJSON is sent when an error cannot be serialized.
var FallbackJSON = []byte(`{"errorType":"JsonSerializationError","errorMessage":"Failure in serializing exception to Json"}`)

// unknownErrorType names a nil error.
const unknownErrorType = "UnknownError"

// Envelope is the failure payload the Runtime API expects on the error endpoints
type Envelope struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage *string  `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace"`
}

// Encoder turns errors into Runtime API error JSON
type Encoder struct {
	marshal func(v any) ([]byte, error)
}

// NewEncoder creates an encoder backed by encoding/json
func NewEncoder() *Encoder {
	return &Encoder{marshal: json.Marshal}
}

// Encode serializes err into an error envelope. It never fails: if the
// envelope cannot be marshaled FallbackJSON is returned instead.
func (e *Encoder) Encode(err error) (data []byte) {
	defer func() {
		if r := recover(); r != nil {
			data = FallbackJSON
		}
	}()

	envelope := build(err, 2)
	data, mErr := e.marshal(envelope)
	if mErr != nil || len(data) == 0 {
		return FallbackJSON
	}
	return data
}

// Build converts err into an Envelope. Errors that already carry a stack
// (github.com/go-errors/errors) keep it; others get the stack of the caller.
func Build(err error) Envelope {
	return build(err, 2)
}

func build(err error, skip int) Envelope {
	if err == nil {
		return Envelope{ErrorType: unknownErrorType, StackTrace: []string{}}
	}

	var stacked *goerrors.Error
	if !errors.As(err, &stacked) {
		stacked = goerrors.Wrap(err, skip)
	}

	envelope := Envelope{
		ErrorType:  typeName(err, stacked),
		StackTrace: FormatFrames(stacked.StackFrames()),
	}
	if msg := err.Error(); msg != "" {
		envelope.ErrorMessage = &msg
	}
	return envelope
}

// typeName reports the Go type of err. A go-errors wrapper is transparent.
func typeName(err error, stacked *goerrors.Error) string {
	if outer, ok := err.(*goerrors.Error); ok && outer == stacked {
		if name := stacked.TypeName(); name != "" {
			return name
		}
	}
	if name := reflect.TypeOf(err).String(); name != "" {
		return name
	}
	return unknownErrorType
}

// FormatFrames renders frames as "function @ file:line".
func FormatFrames(frames []goerrors.StackFrame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		name := f.Name
		if f.Package != "" {
			name = f.Package + "." + f.Name
		}
		out = append(out, fmt.Sprintf("%s @ %s:%d", name, f.File, f.LineNumber))
	}
	return out
}
