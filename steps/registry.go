// Package steps holds the built-in step operations and the executor
// that routes pipeline keys to them, falling through to the
// prompt-based executor for everything else.
package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Operation is one built-in step body. It receives the fully
// materialised inputs mapping and returns a JSON-serialisable value.
type Operation func(ctx context.Context, inputs map[string]any) (any, error)

// opEcho returns its single input value, or the whole mapping when more
// than one input is bound.
func opEcho(_ context.Context, inputs map[string]any) (any, error) {
	if len(inputs) == 1 {
		for _, v := range inputs {
			return v, nil
		}
	}
	return inputs, nil
}

// opUpper upper-cases the concatenation of its inputs.
func opUpper(ctx context.Context, inputs map[string]any) (any, error) {
	joined, err := opConcat(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(joined.(string)), nil
}

// opConcat concatenates all input values in key order.
func opConcat(_ context.Context, inputs map[string]any) (any, error) {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		switch v := inputs[k].(type) {
		case string:
			sb.WriteString(v)
		case nil:
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	return sb.String(), nil
}
