package statemachine

import (
	"context"
	"fmt"
	"sort"
)

// Table is an immutable transition table indexed as [from][event][]Transition.
type Table struct {
	transitions map[string]map[string][]Transition
}

// New builds a Table from options.
func New(opts ...Option) (*Table, error) {
	tb := &Table{transitions: make(map[string]map[string][]Transition)}
	for _, opt := range opts {
		if err := opt(tb); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return tb, nil
}

// MustNew is New that panics on error.
func MustNew(opts ...Option) *Table {
	tb, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return tb
}

func (tb *Table) add(t Transition) {
	from := t.From.Name()
	if _, ok := tb.transitions[from]; !ok {
		tb.transitions[from] = make(map[string][]Transition)
	}
	tb.transitions[from][t.Event.Name()] = append(tb.transitions[from][t.Event.Name()], t)
}

// Fire returns the state the event leads to from the given state.
func (tb *Table) Fire(ctx context.Context, from State, event Event, data any) (State, error) {
	if from == nil || event == nil {
		return nil, ErrInvalidEvent
	}

	candidates := tb.transitions[from.Name()][event.Name()]
	if len(candidates) == 0 {
		return nil, transitionError(from, event, ErrNoTransition)
	}

	for _, t := range candidates {
		if guardsPass(ctx, t, from, event, data) {
			return t.To, nil
		}
	}
	return nil, transitionError(from, event, ErrRejected)
}

// CanFire reports whether Fire would succeed.
func (tb *Table) CanFire(ctx context.Context, from State, event Event, data any) bool {
	_, err := tb.Fire(ctx, from, event, data)
	return err == nil
}

// Events lists the event names registered from a state, sorted.
func (tb *Table) Events(from State) []string {
	if from == nil {
		return nil
	}
	events := make([]string, 0, len(tb.transitions[from.Name()]))
	for name := range tb.transitions[from.Name()] {
		events = append(events, name)
	}
	sort.Strings(events)
	return events
}

func guardsPass(ctx context.Context, t Transition, from State, event Event, data any) bool {
	for _, guard := range t.Guards {
		if !guard(ctx, from, event, data) {
			return false
		}
	}
	return true
}
