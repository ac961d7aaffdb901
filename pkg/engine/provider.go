package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Provider is the remote API that creates, queries and destroys stacks.
// Create, Update and Destroy only trigger asynchronous work; completion is
// observed through later GetState calls. Implementations must be safe for
// concurrent calls on distinct stacks.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// GetState returns the current remote state of a stack.
	// It returns an error matching ErrStackNotFound when the stack does not exist.
	GetState(ctx context.Context, stackName string) (*StackState, error)

	// IsInProgress reports whether remote work on the stack is still running.
	IsInProgress(state *StackState) bool

	// IsComplete reports whether the last create or update finished successfully.
	IsComplete(state *StackState) bool

	// IsDestroyed reports whether the stack has been deleted.
	IsDestroyed(state *StackState) bool

	// IsFailed reports whether the stack is settled in a failed or rolled back state.
	IsFailed(state *StackState) bool

	// Create requests creation of a new stack.
	Create(ctx context.Context, stackName string, desc *Description) error

	// Update requests an update of an existing stack.
	Update(ctx context.Context, stackName string, desc *Description) error

	// Destroy requests deletion of a stack.
	Destroy(ctx context.Context, stackName string) error
}

// StackState is a provider's view of one remote stack.
type StackState struct {
	// Name is the fully qualified stack name.
	Name string `json:"name"`

	// Status is the provider's native status string (e.g. CREATE_COMPLETE).
	Status string `json:"status"`

	// StatusReason is the provider's explanation for Status, if any.
	StatusReason string `json:"status_reason,omitempty"`

	// Outputs are the stack's exported values.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Parameters are the parameter values the stack was last deployed with.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Tags are the stack's tags.
	Tags map[string]string `json:"tags,omitempty"`

	// TemplateHash is the hash recorded at the last create or update.
	TemplateHash string `json:"template_hash,omitempty"`

	// UpdatedAt is the time of the last remote status change.
	UpdatedAt time.Time `json:"updated_at"`
}

// Description is the rendered desired state of a stack. The engine passes it
// through to the provider without inspecting the template.
type Description struct {
	// Template is the rendered template body.
	Template []byte `json:"-"`

	// Parameters are resolved parameter values.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Tags are applied to the remote stack.
	Tags map[string]string `json:"tags,omitempty"`
}

// TemplateHash returns the hex xxhash64 of the template body.
func (d *Description) TemplateHash() string {
	return strconv.FormatUint(xxhash.Sum64(d.Template), 16)
}

// RunContext is passed explicitly to every step operation.
type RunContext struct {
	// Namespace scopes stack names and the persistent graph.
	Namespace string

	// Provider performs the remote calls.
	Provider Provider

	// Logger receives step status changes.
	Logger zerolog.Logger
}

// StepResult is the outcome of one operation call.
type StepResult struct {
	Status Status
	Reason string
}

// Operation performs or polls one unit of remote work for a step and returns
// the step's new status. previous is the step's status before this call,
// which lets teardown distinguish "never submitted" from "submitted and gone".
// A returned error fails the step.
type Operation func(ctx context.Context, rc *RunContext, previous Status) (StepResult, error)
