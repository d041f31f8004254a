package planchange

import (
	"slices"

	"github.com/dukerupert/studyplan/internal/apperror"
	"github.com/dukerupert/studyplan/internal/billing/model"
)

// plan is the outcome of comparing a requested subject set with what the
// account holds today and what it is scheduled to hold.
type plan struct {
	changeType model.ChangeType
	// grants is the access set after the change; nil leaves grants untouched.
	grants []string
	// next is the subject set billed from the next period on.
	next []string
}

// classify decides what kind of change target is. current is the granted set,
// pending the open deferred downgrade if there is one.
func classify(current, target []string, pending *model.PendingChange) (plan, error) {
	added := difference(target, current)

	if pending == nil {
		switch {
		case sameSet(target, current):
			return plan{changeType: model.ChangeNone}, nil
		case len(target) > len(current):
			return plan{changeType: model.ChangeUpgrade, grants: target, next: target}, nil
		case len(target) == len(current):
			return plan{changeType: model.ChangeSwap, grants: target, next: target}, nil
		case len(added) > 0:
			return plan{}, apperror.InvalidArgument("a downgrade can only remove subjects you already have")
		default:
			return plan{changeType: model.ChangeDowngrade, next: target}, nil
		}
	}

	switch {
	case len(added) > 0:
		return plan{
			changeType: model.ChangeUpgrade,
			grants:     union(current, added),
			next:       union(pending.TargetSubjectIDs, target),
		}, nil
	case sameSet(target, pending.TargetSubjectIDs):
		return plan{changeType: model.ChangeNone}, nil
	default:
		return plan{changeType: model.ChangeDowngrade, next: target}, nil
	}
}

// expectedTiming is when a change of type t takes effect.
func expectedTiming(t model.ChangeType) model.Timing {
	if t == model.ChangeDowngrade {
		return model.TimingNextPeriod
	}
	return model.TimingImmediate
}

func checkTiming(t model.ChangeType, requested model.Timing) error {
	if requested == "" || t == model.ChangeNone {
		return nil
	}
	if want := expectedTiming(t); requested != want {
		return apperror.InvalidArgument(
			"a " + string(t) + " takes effect " + timingLabel(want) + ", not " + timingLabel(requested))
	}
	return nil
}

func timingLabel(t model.Timing) string {
	if t == model.TimingNextPeriod {
		return "at the next billing period"
	}
	return "immediately"
}

// normalize removes blanks and duplicates and sorts.
func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	var out []string
	for _, id := range a {
		if !in[id] {
			out = append(out, id)
		}
	}
	return out
}

func union(a, b []string) []string {
	return normalize(append(slices.Clone(a), b...))
}

func sameSet(a, b []string) bool {
	return slices.Equal(normalize(a), normalize(b))
}
