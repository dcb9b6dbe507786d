package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/abdulrahman305/jetbrains/internal/jsonrpc"
)

var validate = validator.New()

// Request registers a typed request handler. Params are decoded into P and
// validated against its `validate` struct tags before fn runs; a failure
// answers with an invalid-params error.
func Request[P, R any](t *Table, method string, fn func(ctx context.Context, params P) (R, error), opts ...Option) {
	t.Register(method, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := Decode[P](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}, opts...)
}

// Notification registers a typed notification handler.
func Notification[P any](t *Table, method string, fn func(ctx context.Context, params P) error, opts ...Option) {
	t.RegisterNotification(method, func(ctx context.Context, raw json.RawMessage) error {
		p, err := Decode[P](raw)
		if err != nil {
			return err
		}
		return fn(ctx, p)
	}, opts...)
}

// Decode unmarshals raw into P and validates it. Absent or null params leave
// P at its zero value, which must still pass validation.
func Decode[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, jsonrpc.NewInvalidParamsError(fmt.Sprintf("decode params: %v", err))
		}
	}
	if isStruct(p) {
		if err := validate.Struct(p); err != nil {
			return p, jsonrpc.NewInvalidParamsError(fmt.Sprintf("invalid params: %v", err))
		}
	}
	return p, nil
}

func isStruct(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}
