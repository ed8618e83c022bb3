package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// ErrInvalidRequest marks request bodies the server refuses to act on.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError string

func (e invalidRequestError) Error() string { return string(e) }
func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(msg string) error {
	return invalidRequestError(msg)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeServerError(c *echo.Context, err error) error {
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest(fmt.Sprintf("decode request: %v", err))
	}
	return out, nil
}

// decodeArguments parses hex kernel arguments. Whitespace and an optional
// 0x prefix are accepted.
func decodeArguments(in []*string) ([][]byte, error) {
	out := make([][]byte, len(in))
	for i, s := range in {
		if s == nil {
			continue
		}
		h := strings.Join(strings.Fields(*s), "")
		h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("arguments[%d]: %v", i, err))
		}
		out[i] = b
	}
	return out, nil
}
