package arbiter

import (
	"context"
	"fmt"
	"sync/atomic"
)

var ownerSeq atomic.Uint64

// Owner identifies a logical lock holder. Goroutines are anonymous, so the
// owner travels in a context.Context and every call made with that context
// re-enters locks the owner already holds.
type Owner struct {
	id   uint64
	name string
}

func NewOwner(name string) *Owner {
	return &Owner{id: ownerSeq.Add(1), name: name}
}

func (o *Owner) ID() uint64 {
	return o.id
}

func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	if o.name == "" {
		return fmt.Sprintf("owner#%d", o.id)
	}
	return fmt.Sprintf("%s#%d", o.name, o.id)
}

type ctxKey int

const ctxKeyOwner ctxKey = iota

// WithOwner returns a copy of parent carrying owner o.
func WithOwner(parent context.Context, o *Owner) context.Context {
	return context.WithValue(parent, ctxKeyOwner, o)
}

// OwnerFrom returns the owner attached to ctx or nil.
func OwnerFrom(ctx context.Context) *Owner {
	val := ctx.Value(ctxKeyOwner)
	if val == nil {
		return nil
	}
	return val.(*Owner)
}

// ensureOwner returns ctx unchanged when it already carries an owner,
// otherwise a child context with a fresh one.
func ensureOwner(ctx context.Context, name string) (context.Context, *Owner) {
	if o := OwnerFrom(ctx); o != nil {
		return ctx, o
	}
	o := NewOwner(name)
	return WithOwner(ctx, o), o
}
