package model

// Status is the lifecycle state of an Artifact.
type Status string

const (
	StatusTopicsGenerated Status = "topics_generated"
	StatusTopicsApproved  Status = "topics_approved"
	StatusGenerated       Status = "generated"
	StatusScheduled       Status = "scheduled"
	StatusScheduledNative Status = "scheduled_native"
	StatusPublishing      Status = "publishing"
	StatusPublished       Status = "published"
	StatusFailed          Status = "failed"
)

// Event is a lifecycle trigger applied to an Artifact.
type Event string

const (
	EventApproveTopic Event = "approve_topic"
	EventGenerate     Event = "generate"
	EventRegenerate   Event = "regenerate"
	EventApprove      Event = "approve"
	EventClaim        Event = "claim"
	EventClaimNow     Event = "claim_now"
	EventDeliver      Event = "deliver"
	EventRelease      Event = "release"
	EventFail         Event = "fail"
	EventOverride     Event = "override"

	// EventEdit changes content without changing status.
	EventEdit Event = "edit"
)

// TransitionOptions carries the call-time inputs some guards depend on.
type TransitionOptions struct {
	// NativeScheduling selects scheduled_native over scheduled on approve.
	NativeScheduling bool
	// ClaimedFrom is the status an artifact returns to on release.
	ClaimedFrom Status
}

type transition struct {
	from []Status
	to   func(TransitionOptions) Status
}

func fixed(s Status) func(TransitionOptions) Status {
	return func(TransitionOptions) Status { return s }
}

var nonTerminal = []Status{
	StatusTopicsGenerated, StatusTopicsApproved, StatusGenerated,
	StatusScheduled, StatusScheduledNative, StatusPublishing,
}

var transitions = map[Event]transition{
	EventApproveTopic: {from: []Status{StatusTopicsGenerated}, to: fixed(StatusTopicsApproved)},
	EventGenerate:     {from: []Status{StatusTopicsApproved}, to: fixed(StatusGenerated)},
	EventRegenerate:   {from: []Status{StatusGenerated}, to: fixed(StatusGenerated)},
	EventApprove: {from: []Status{StatusGenerated}, to: func(o TransitionOptions) Status {
		if o.NativeScheduling {
			return StatusScheduledNative
		}
		return StatusScheduled
	}},
	EventClaim:    {from: []Status{StatusScheduled, StatusScheduledNative}, to: fixed(StatusPublishing)},
	EventClaimNow: {from: []Status{StatusGenerated, StatusScheduled}, to: fixed(StatusPublishing)},
	EventDeliver:  {from: []Status{StatusPublishing}, to: fixed(StatusPublished)},
	EventRelease: {from: []Status{StatusPublishing}, to: func(o TransitionOptions) Status {
		return o.ClaimedFrom
	}},
	EventFail:     {from: nonTerminal, to: fixed(StatusFailed)},
	EventOverride: {from: []Status{StatusPublished, StatusFailed}, to: fixed(StatusGenerated)},
}

// Sources returns the statuses from which ev may be applied.
func Sources(ev Event) []Status {
	t, ok := transitions[ev]
	if !ok {
		return nil
	}
	out := make([]Status, len(t.from))
	copy(out, t.from)
	return out
}

// Next returns the status reached by applying ev to from. It returns a
// *StateTransitionError when the transition is not in the table.
func Next(from Status, ev Event, opts TransitionOptions) (Status, error) {
	t, ok := transitions[ev]
	if !ok {
		return from, &StateTransitionError{From: from, Event: ev}
	}
	for _, s := range t.from {
		if s == from {
			to := t.to(opts)
			if to == "" {
				return from, &StateTransitionError{From: from, Event: ev}
			}
			return to, nil
		}
	}
	return from, &StateTransitionError{From: from, Event: ev}
}

// IsTerminal reports whether s is published or failed.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// InCreation reports whether s still awaits topic approval.
func (s Status) InCreation() bool {
	return s == StatusTopicsGenerated
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTopicsGenerated, StatusTopicsApproved, StatusGenerated,
		StatusScheduled, StatusScheduledNative, StatusPublishing,
		StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Deletable reports whether an artifact in s may be discarded when its bucket
// is regenerated. Anything already handed to the channel is kept.
func (s Status) Deletable() bool {
	switch s {
	case StatusScheduledNative, StatusPublishing, StatusPublished:
		return false
	}
	return true
}

// Editable reports whether content and publish time may still be changed in s.
// Natively scheduled artifacts are frozen because the channel holds a copy.
func (s Status) Editable() bool {
	switch s {
	case StatusTopicsGenerated, StatusTopicsApproved, StatusGenerated, StatusScheduled:
		return true
	}
	return false
}
