package policy

import (
	"fmt"
	"strings"

	"okrio/internal/domain"
)

// Action names an operation a subject can request on a resource. Besides
// the fixed verbs, every lifecycle edge has its own action of the form
// transition:<from>-><to>.
type Action string

const (
	ActionView    Action = "view"
	ActionEdit    Action = "edit"
	ActionComment Action = "comment"
	ActionDelete  Action = "delete"
)

const transitionPrefix = "transition:"

// TransitionAction builds the action string for a lifecycle edge.
func TransitionAction(from, to domain.State) Action {
	return Action(fmt.Sprintf("%s%s->%s", transitionPrefix, from, to))
}

// Valid reports whether the action is part of the closed action enum.
// Unknown actions are never an error condition for callers: the engine
// resolves them to a deny.
func (a Action) Valid() bool {
	switch a {
	case ActionView, ActionEdit, ActionComment, ActionDelete:
		return true
	}
	from, to, ok := a.TransitionEdge()
	return ok && from.Valid() && to.Valid()
}

// TransitionEdge splits a transition action into its edge. ok is false
// for non-transition actions or malformed strings.
func (a Action) TransitionEdge() (from, to domain.State, ok bool) {
	s := string(a)
	if !strings.HasPrefix(s, transitionPrefix) {
		return "", "", false
	}
	edge := strings.TrimPrefix(s, transitionPrefix)
	parts := strings.SplitN(edge, "->", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return domain.State(parts[0]), domain.State(parts[1]), true
}

// matchAction matches an action against a rule pattern. Patterns are
// either literal actions or a prefix followed by "*" (e.g. "transition:*").
func matchAction(pattern string, a Action) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(string(a), strings.TrimSuffix(pattern, "*"))
	}
	return pattern == string(a)
}
