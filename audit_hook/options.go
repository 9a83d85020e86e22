package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// WithEnabledActions restricts recording to the listed actions. Later calls
// replace the list.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) { e.filter.only = toSet(actions) }
}

// WithDisabledActions drops the listed actions. It combines with
// WithEnabledActions in either order.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.filter.skip == nil {
			e.filter.skip = make(map[string]struct{}, len(actions))
		}
		for _, a := range actions {
			e.filter.skip[a] = struct{}{}
		}
	}
}

// actionFilter decides which actions reach the recorder. A nil only set
// admits every action.
type actionFilter struct {
	only map[string]struct{}
	skip map[string]struct{}
}

func (f actionFilter) allows(action string) bool {
	if _, ok := f.skip[action]; ok {
		return false
	}
	if f.only == nil {
		return true
	}
	_, ok := f.only[action]
	return ok
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}
