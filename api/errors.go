package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

const internalMessage = "internal server error"

type errorBody struct {
	Error string      `json:"error"`
	Code  string      `json:"code"`
	Data  interface{} `json:"data,omitempty"`
}

// fail maps err to its status. Errors without a domain code are logged and
// answered with a generic 500 so internals never reach the client.
func (s *Server) fail(c *gin.Context, err error) {
	var domainErr *types.Error
	if !errors.As(err, &domainErr) {
		s.logger.Error("request failed", map[string]any{
			"request_id": c.GetString(requestIDKey),
			"path":       c.FullPath(),
			"error":      err,
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: internalMessage, Code: types.ErrCodeInternal})
		return
	}

	status := types.HTTPStatus(domainErr.Code)
	body := errorBody{Error: domainErr.Message, Code: domainErr.Code, Data: domainErr.Data}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]any{
			"request_id": c.GetString(requestIDKey),
			"path":       c.FullPath(),
			"code":       domainErr.Code,
			"error":      err,
		})
		body = errorBody{Error: internalMessage, Code: types.ErrCodeInternal}
	}
	c.AbortWithStatusJSON(status, body)
}

// bindError describes a rejected request body by JSON field name and failed
// rule, e.g. "invalid request body: amount: gt".
func bindError(req any, err error) error {
	var verrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &verrs):
		t := reflect.TypeOf(req)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, jsonName(t, fe.StructField())+": "+fe.Tag())
		}
		return types.WrapError(types.ErrCodeValidation, err, "invalid request body: %s", strings.Join(fields, ", "))
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return types.WrapError(types.ErrCodeValidation, err, "invalid request body: %s: expected %s", typeErr.Field, jsonKind(typeErr.Type))
	default:
		return types.WrapError(types.ErrCodeValidation, err, "invalid request body: malformed JSON")
	}
}

func jsonName(t reflect.Type, field string) string {
	if t.Kind() != reflect.Struct {
		return field
	}
	f, ok := t.FieldByName(field)
	if !ok {
		return field
	}
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return field
}

func jsonKind(t reflect.Type) string {
	if t == nil {
		return "a different type"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}
