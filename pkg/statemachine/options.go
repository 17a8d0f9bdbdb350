package statemachine

// Option registers transitions while a Table is built.
type Option func(*Table) error

// TransitionOption configures a single transition.
type TransitionOption func(*Transition)

// WithGuard adds a guard to a transition.
func WithGuard(guard Guard) TransitionOption {
	return func(t *Transition) {
		if guard != nil {
			t.Guards = append(t.Guards, guard)
		}
	}
}

// WithTransition registers from --event--> to.
func WithTransition(from, to State, event Event, opts ...TransitionOption) Option {
	return func(tb *Table) error {
		if from == nil || to == nil || event == nil {
			return ErrInvalidTransition
		}
		t := Transition{From: from, To: to, Event: event}
		for _, opt := range opts {
			opt(&t)
		}
		tb.add(t)
		return nil
	}
}

// WithTransitions registers the same event from several states to one target.
func WithTransitions(froms []State, to State, event Event, opts ...TransitionOption) Option {
	return func(tb *Table) error {
		for _, from := range froms {
			if err := WithTransition(from, to, event, opts...)(tb); err != nil {
				return err
			}
		}
		return nil
	}
}
