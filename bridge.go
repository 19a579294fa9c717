package sagex

import (
	"context"
	"fmt"
)

// Bridge is the call boundary to an embedding host. Notify rule actions and
// any host-side helpers the application exposes go through it; the client
// itself never assumes what lives on the other side.
type Bridge interface {
	// Call invokes the named host function with the given arguments and
	// returns its result.
	Call(ctx context.Context, fn string, args ...any) (any, error)
}

// BridgeFunc adapts a plain function to the Bridge interface.
type BridgeFunc func(ctx context.Context, fn string, args ...any) (any, error)

// Call implements Bridge.
func (f BridgeFunc) Call(ctx context.Context, fn string, args ...any) (any, error) {
	return f(ctx, fn, args...)
}

// BridgeCall is one recorded invocation, useful for test doubles.
type BridgeCall struct {
	Fn   string
	Args []any
}

// NopBridge accepts every call and returns nil. It is the default when the
// embedding host wires nothing in.
type NopBridge struct{}

// Call implements Bridge.
func (NopBridge) Call(_ context.Context, _ string, _ ...any) (any, error) {
	return nil, nil
}

// dispatchTable is a Bridge backed by a function map.
type dispatchTable map[string]BridgeFunc

// NewDispatchBridge builds a Bridge from a name-to-function map.
func NewDispatchBridge(fns map[string]BridgeFunc) Bridge {
	table := make(dispatchTable, len(fns))
	for name, fn := range fns {
		table[name] = fn
	}
	return table
}

// Call implements Bridge.
func (t dispatchTable) Call(ctx context.Context, fn string, args ...any) (any, error) {
	f, ok := t[fn]
	if !ok {
		return nil, fmt.Errorf("bridge function %q not registered", fn)
	}
	return f(ctx, fn, args...)
}
