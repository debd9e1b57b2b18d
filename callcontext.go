// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"context"

	"github.com/creachadair/switchboard/wire"
)

type callContextKey struct{}

// WithCallContext returns a context carrying cc as the ambient call context.
// Calls issued with the returned context inherit cc instead of minting a
// fresh one, extending its chain and sharing its deadline.
//
// The dispatcher pins the inbound call context this way for the duration of
// every handler invocation, so handlers normally do not need to call this
// directly.
func WithCallContext(ctx context.Context, cc *wire.Context) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the ambient call context carried by ctx, or nil if
// none is set.
func CallContextFrom(ctx context.Context) *wire.Context {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*wire.Context)
	}
	return nil
}
