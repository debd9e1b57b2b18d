// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the switchboard.Handler type for
// functions with typed signatures.
//
// Call payloads travel as arbitrary codec values (maps, slices, scalars).
// The adapters in this package convert those values to and from concrete Go
// types by round-tripping through JSON, so parameter structs use the same
// field tags they would on the wire.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/wire"
)

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a switchboard.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) switchboard.Handler {
	return func(ctx context.Context, params any) (any, error) {
		var p P
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return f(ctx, p)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a switchboard.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) switchboard.Handler {
	return func(ctx context.Context, params any) (any, error) {
		var p P
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return f(ctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and
// returns an error with no result, to a switchboard.Handler.
func ParamError[P any](f func(context.Context, P) error) switchboard.Handler {
	return func(ctx context.Context, params any) (any, error) {
		var p P
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a switchboard.Handler.
func ResultError[R any](f func(context.Context) (R, error)) switchboard.Handler {
	return func(ctx context.Context, params any) (any, error) {
		return f(ctx)
	}
}

// decode converts a codec value into a concrete parameter type.
func decode(params any, v any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &switchboard.Error{
			Code:    wire.CodeInvalidMessage,
			Message: fmt.Sprintf("invalid parameters: %v", err),
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &switchboard.Error{
			Code:    wire.CodeInvalidMessage,
			Message: fmt.Sprintf("cannot decode parameters into %T: %v", v, err),
		}
	}
	return nil
}
