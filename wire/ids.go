// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// RequestID returns a fresh request id for a Call. Ids are unique within a
// process and opaque to the router.
func RequestID() string { return newID("req") }

// RootID returns a fresh correlation id for the root of a causal chain.
func RootID() string { return newID("root") }

// newID formats an id as "{prefix}-{ms-since-epoch}-{6 base36 chars}".
func newID(prefix string) string {
	var sb strings.Builder
	sb.Grow(len(prefix) + 21)
	sb.WriteString(prefix)
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
	sb.WriteByte('-')
	for range 6 {
		sb.WriteByte(base36[rand.IntN(len(base36))])
	}
	return sb.String()
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"
