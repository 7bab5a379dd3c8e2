package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/reduction"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

// ErrInvalidRequest marks errors caused by the request body.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(format string, args ...any) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...)}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("decode body: %v", err)
	}
	return out, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, ErrorResponse{Error: ErrorDetail{
		Message: msg,
		Type:    errType,
		ID:      newID("err"),
	}})
}

// writeComputeError maps engine errors to status codes: anything the caller
// can fix is a 400.
func writeComputeError(c *echo.Context, err error) error {
	var instab *blockwise.InstabilityError
	switch {
	case errors.As(err, &instab):
		return writeError(c, http.StatusUnprocessableEntity, "numerical_instability", err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, blockwise.ErrShapeMismatch),
		errors.Is(err, blockwise.ErrInvalidConfig),
		errors.Is(err, blockwise.ErrNonFiniteInput),
		errors.Is(err, reduction.ErrNoPartials),
		errors.Is(err, reduction.ErrRowMismatch),
		errors.Is(err, reduction.ErrRowOutOfRange),
		errors.Is(err, reduction.ErrDimMismatch):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// guard runs fn and converts an *blockwise.InstabilityError panic into an
// error. Other panics propagate.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			instab, ok := r.(*blockwise.InstabilityError)
			if !ok {
				panic(r)
			}
			err = instab
		}
	}()
	return fn()
}

func toMatrix(name string, rows [][]float64) (*matrix.Matrix, error) {
	m, err := matrix.FromRows(rows)
	if err != nil {
		return nil, newInvalidRequest("%s: %v", name, err)
	}
	return m, nil
}

func fromMatrix(m *matrix.Matrix) [][]float64 {
	return m.Rows2D()
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
