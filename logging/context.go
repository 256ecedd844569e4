package logging

import (
	"context"

	"go.viam.com/utils"
)

type debugLogKeyType int

const debugLogKeyID = debugLogKeyType(iota)

// debugKeyField names the field context debug entries carry their key in.
const debugKeyField = "debug_key"

// EnableDebugMode returns a new context with debug logging state attached. An empty `debugLogKey`
// generates a random value. Solver stages called with such a context log their Debug lines even
// when the logger itself sits at INFO, each tagged with the key.
func EnableDebugMode(ctx context.Context, debugLogKey string) context.Context {
	if debugLogKey == "" {
		debugLogKey = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, debugLogKeyID, debugLogKey)
}

// IsDebugMode returns whether the input context has debug logging enabled.
func IsDebugMode(ctx context.Context) bool {
	return DebugKey(ctx) != ""
}

// DebugKey returns the debug log key included when enabling the context for debug logging.
func DebugKey(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(debugLogKeyID).(string); ok {
		return val
	}
	return ""
}
