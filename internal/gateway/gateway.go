package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout marks an ambiguous outcome: the provider may or may not have
// registered the request. Callers must not treat it as failure; the payment
// stays in processing for later reconciliation.
var ErrTimeout = errors.New("gateway timeout")

// Error is a definite provider rejection.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error: %s", e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// PushState is the outcome of a status query.
type PushState string

const (
	StateSucceeded PushState = "succeeded"
	StatePending   PushState = "pending"
	StateFailed    PushState = "failed"
)

type PushResult struct {
	CorrelationID string
}

type StatusResult struct {
	State     PushState
	ReceiptID string
	Reason    string
}

type PayoutResult struct {
	CorrelationID string
}

// Gateway abstracts one external payment network. Implementations apply
// their own request timeout and are safe to call at most once per logical
// action; the escrow service never retries InitiatePush automatically.
type Gateway interface {
	// InitiatePush asks the network to collect amount (cents) from the
	// destination account (e.g. an STK push to a phone number).
	InitiatePush(ctx context.Context, destination string, amount int64, reference, description string) (*PushResult, error)
	// QueryStatus resolves an earlier push by its correlation id.
	QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error)
	// InitiatePayout sends amount (cents) out to the destination account.
	InitiatePayout(ctx context.Context, destination string, amount int64, reference string) (*PayoutResult, error)
}

// Registry selects the Gateway implementation for a payment method name.
// One implementation per method replaces string branching in the services.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: map[string]Gateway{}}
}

func (r *Registry) Register(method string, g Gateway) {
	r.gateways[method] = g
}

func (r *Registry) For(method string) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("unsupported payment method %q", method)
	}
	return g, nil
}
