package model

import (
	"errors"
	"testing"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		event   Event
		opts    TransitionOptions
		want    Status
		wantErr bool
	}{
		{"approve topic", StatusTopicsGenerated, EventApproveTopic, TransitionOptions{}, StatusTopicsApproved, false},
		{"generate", StatusTopicsApproved, EventGenerate, TransitionOptions{}, StatusGenerated, false},
		{"regenerate keeps generated", StatusGenerated, EventRegenerate, TransitionOptions{}, StatusGenerated, false},
		{"approve internal", StatusGenerated, EventApprove, TransitionOptions{}, StatusScheduled, false},
		{"approve native", StatusGenerated, EventApprove, TransitionOptions{NativeScheduling: true}, StatusScheduledNative, false},
		{"claim scheduled", StatusScheduled, EventClaim, TransitionOptions{}, StatusPublishing, false},
		{"claim native", StatusScheduledNative, EventClaim, TransitionOptions{}, StatusPublishing, false},
		{"claim now from generated", StatusGenerated, EventClaimNow, TransitionOptions{}, StatusPublishing, false},
		{"deliver", StatusPublishing, EventDeliver, TransitionOptions{}, StatusPublished, false},
		{"release", StatusPublishing, EventRelease, TransitionOptions{ClaimedFrom: StatusScheduled}, StatusScheduled, false},
		{"fail from scheduled", StatusScheduled, EventFail, TransitionOptions{}, StatusFailed, false},
		{"override published", StatusPublished, EventOverride, TransitionOptions{}, StatusGenerated, false},

		{"approve topic twice", StatusTopicsApproved, EventApproveTopic, TransitionOptions{}, StatusTopicsApproved, true},
		{"publish before generation", StatusTopicsApproved, EventClaimNow, TransitionOptions{}, StatusTopicsApproved, true},
		{"claim before approve", StatusGenerated, EventClaim, TransitionOptions{}, StatusGenerated, true},
		{"claim native now", StatusScheduledNative, EventClaimNow, TransitionOptions{}, StatusScheduledNative, true},
		{"release without origin", StatusPublishing, EventRelease, TransitionOptions{}, StatusPublishing, true},
		{"fail terminal", StatusPublished, EventFail, TransitionOptions{}, StatusPublished, true},
		{"deliver twice", StatusPublished, EventDeliver, TransitionOptions{}, StatusPublished, true},
		{"unknown event", StatusGenerated, Event("bogus"), TransitionOptions{}, StatusGenerated, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.from, tt.event, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Next(%q, %q) error = %v, wantErr %v", tt.from, tt.event, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Next(%q, %q) = %q, want %q", tt.from, tt.event, got, tt.want)
			}
			if err != nil {
				var ste *StateTransitionError
				if !errors.As(err, &ste) {
					t.Fatalf("error is %T, want *StateTransitionError", err)
				}
				if ste.From != tt.from || ste.Event != tt.event {
					t.Errorf("error = %+v, want from %q event %q", ste, tt.from, tt.event)
				}
			}
		})
	}
}

func TestSourcesIsACopy(t *testing.T) {
	src := Sources(EventClaim)
	src[0] = StatusFailed
	if Sources(EventClaim)[0] == StatusFailed {
		t.Error("Sources must not expose the transition table")
	}
	if Sources(Event("bogus")) != nil {
		t.Error("unknown event should have no sources")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusPublished.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("published and failed are terminal")
	}
	if StatusPublishing.IsTerminal() {
		t.Error("publishing is not terminal")
	}
	if !StatusTopicsGenerated.InCreation() || StatusTopicsApproved.InCreation() {
		t.Error("only topics_generated is in creation")
	}
	if Status("draft").Valid() {
		t.Error("draft is not a known status")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &ProviderError{Kind: ProviderRateLimit, Err: errors.New("429")}, true},
		{"auth", &ProviderError{Kind: ProviderAuth, Err: errors.New("401")}, false},
		{"timeout", &TimeoutError{Role: "post_creator"}, true},
		{"channel retryable", &ChannelError{Retryable: true, Err: errors.New("503")}, true},
		{"channel permanent", &ChannelError{Err: errors.New("chat not found")}, false},
		{"validation", Invalid("x", "bad"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
