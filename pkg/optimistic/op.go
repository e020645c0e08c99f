package optimistic

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofrs/uuid"

	"lostfound/pkg/models"
)

type Kind string

const (
	KindCreate   Kind = "create"
	KindEdit     Kind = "edit"
	KindDelete   Kind = "delete"
	KindReaction Kind = "reaction"
)

type OpState string

const (
	StateIdle       OpState = "idle"
	StateApplying   OpState = "applying"
	StateConfirmed  OpState = "confirmed"
	StateRolledBack OpState = "rolled_back"
	// StateDiverged marks a failed remote call whose local change was kept.
	StateDiverged OpState = "diverged"
)

// Op tracks one mutation from the local change to the remote answer.
type Op struct {
	ID     uuid.UUID
	Kind   Kind
	Target models.ID

	mu     sync.Mutex
	state  OpState
	result models.ID
	draft  string
	err    error
	done   chan struct{}
}

// NewOp returns an idle op. Ops are settled by the component that applied them.
func NewOp(kind Kind, target models.ID) *Op {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure; the op is still usable without an id.
		id = uuid.Nil
	}

	return &Op{
		ID:     id,
		Kind:   kind,
		Target: target,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// Begin records that the local change was applied.
func (op *Op) Begin() {
	op.mu.Lock()
	defer op.mu.Unlock()

	op.state = StateApplying
}

// Settle records the remote outcome and releases waiters. Only the first call
// has an effect.
func (op *Op) Settle(state OpState, result models.ID, err error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != StateApplying && op.state != StateIdle {
		return
	}
	op.state = state
	op.result = result
	op.err = err
	close(op.done)
}

// Done is closed once the remote call has settled.
func (op *Op) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the op settles or ctx is done. It returns the op error, or
// the context error if ctx ended first.
func (op *Op) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (op *Op) State() OpState {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.state
}

func (op *Op) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.err
}

// Result is the id the record carries after the op settled: the server id of a
// confirmed create, the target otherwise.
func (op *Op) Result() models.ID {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.result.IsZero() {
		return op.Target
	}
	return op.result
}

// Draft returns the text of a rolled back create so the composer can offer it again.
func (op *Op) Draft() string {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.draft
}

func (op *Op) setDraft(body string) {
	op.mu.Lock()
	defer op.mu.Unlock()

	op.draft = body
}

type opView struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Target models.ID `json:"target"`
	State  OpState   `json:"state"`
	Result models.ID `json:"result"`
	Draft  string    `json:"draft,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func (op *Op) MarshalJSON() ([]byte, error) {
	op.mu.Lock()
	v := opView{
		ID:     op.ID.String(),
		Kind:   op.Kind,
		Target: op.Target,
		State:  op.state,
		Result: op.result,
		Draft:  op.draft,
	}
	if op.err != nil {
		v.Error = op.err.Error()
	}
	op.mu.Unlock()

	return json.Marshal(v)
}
