package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAction is returned when a step's action payload does not match its kind.
var ErrInvalidAction = errors.New("invalid step action")

// ActionKind tags the closed set of step behaviors.
type ActionKind string

const (
	ActionDecision ActionKind = "decision"
	ActionDelay    ActionKind = "delay"
	ActionModify   ActionKind = "modify"
	ActionDrip     ActionKind = "drip"
)

// ModifyOp is the operation a Modify action invokes on its target.
type ModifyOp string

const (
	ModifyAdd    ModifyOp = "add"
	ModifyMove   ModifyOp = "move"
	ModifyRemove ModifyOp = "remove"
)

// Step is one node of a workflow forest. Roots have a nil ParentID; siblings
// are ordered by Position.
type Step struct {
	ID          string    `json:"id" db:"id"`
	FunnelID    string    `json:"funnel_id,omitempty" db:"funnel_id"`
	ParentID    *string   `json:"parent_id,omitempty" db:"parent_id"`
	Position    int       `json:"position" db:"position"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	Description string    `json:"description,omitempty" db:"description"`
	Action      Action    `json:"action" db:"action"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Action is a tagged variant: exactly the payload named by Kind is set.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Decision *Decision  `json:"decision,omitempty"`
	Delay    *Delay     `json:"delay,omitempty"`
	Modify   *Modify    `json:"modify,omitempty"`
	DripID   string     `json:"drip_id,omitempty"`
}

// Decision routes subscribers by its rules. A nil branch leaves them in place.
type Decision struct {
	OnTrue  *string `json:"on_true,omitempty"`
	OnFalse *string `json:"on_false,omitempty"`
	Rules   []Rule  `json:"rules"`
}

// Delay holds subscribers until they have spent Duration on the step.
type Delay struct {
	Duration time.Duration `json:"duration"`
}

// Modify invokes Operation on Target for every subscriber on the step.
type Modify struct {
	Target    ModifyTarget `json:"target"`
	Operation ModifyOp     `json:"operation"`
}

// ModifyTarget names a capability provider, e.g. {Type: "tag", ID: "vip"}.
type ModifyTarget struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (t ModifyTarget) String() string { return t.Type + ":" + t.ID }

// Validate checks that exactly the payload matching Kind is present.
func (a Action) Validate() error {
	set := 0
	if a.Decision != nil {
		set++
	}
	if a.Delay != nil {
		set++
	}
	if a.Modify != nil {
		set++
	}
	if a.DripID != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set for kind %q", ErrInvalidAction, set, a.Kind)
	}

	switch a.Kind {
	case ActionDecision:
		if a.Decision == nil {
			return fmt.Errorf("%w: decision payload missing", ErrInvalidAction)
		}
	case ActionDelay:
		if a.Delay == nil {
			return fmt.Errorf("%w: delay payload missing", ErrInvalidAction)
		}
		if a.Delay.Duration < 0 {
			return fmt.Errorf("%w: negative delay", ErrInvalidAction)
		}
	case ActionModify:
		if a.Modify == nil {
			return fmt.Errorf("%w: modify payload missing", ErrInvalidAction)
		}
		switch a.Modify.Operation {
		case ModifyAdd, ModifyMove, ModifyRemove:
		default:
			return fmt.Errorf("%w: unknown modify operation %q", ErrInvalidAction, a.Modify.Operation)
		}
	case ActionDrip:
		if a.DripID == "" {
			return fmt.Errorf("%w: drip reference missing", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}
