package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// StubExtractor returns canned reference material (for development/testing).
type StubExtractor struct{}

func (e *StubExtractor) Extract(_ context.Context, url string) (*ExtractedContent, error) {
	return &ExtractedContent{
		Title:          "Reference",
		NormalizedText: "Stub reference material fetched from " + url + ". It describes the product, its audience and the launch timeline.",
		WordCount:      18,
	}, nil
}

var topicCount = regexp.MustCompile(`(?i)exactly (\d+) topics`)

// StubProvider returns well-formed canned output for every role, accepting
// every draft on first review (for development/testing).
type StubProvider struct{}

func (p *StubProvider) Complete(_ context.Context, in Completion) (string, error) {
	switch in.Role {
	case RoleTopicCreator, RoleTopicFixer:
		n := 14
		if m := topicCount.FindStringSubmatch(in.Prompt); m != nil {
			n, _ = strconv.Atoi(m[1])
		}
		res := TopicsResult{Topics: make([]Topic, n)}
		for i := range res.Topics {
			res.Topics[i] = Topic{
				Title:    fmt.Sprintf("Stub topic %d", i+1),
				Category: "general",
				Tags:     []string{"stub"},
				Brief:    "A placeholder topic produced without a model.",
			}
		}
		return mustJSON(res), nil

	case RoleMonthArchitect, RoleMonthFixer:
		return mustJSON(arcsResult{Months: stubArcs("Month", 3)}), nil

	case RoleWeekArchitect, RoleWeekFixer:
		return mustJSON(arcsResult{Weeks: stubArcs("Week", 4)}), nil

	case RolePostCreator, RolePostFixer:
		return "[Stub] A short post written without a model. It follows the brief and ends with a call to action.", nil

	case RoleImagePrompter:
		return mustJSON(ImagePrompt{Prompt: "A clean flat illustration of the post's subject", Style: "flat"}), nil
	}

	if in.Role.Stage() == StageCritic {
		return mustJSON(Verdict{Verdict: VerdictAccept, Issues: []string{}}), nil
	}
	return "{}", nil
}

func stubArcs(prefix string, n int) []Arc {
	arcs := make([]Arc, n)
	for i := range arcs {
		arcs[i] = Arc{
			Theme:  fmt.Sprintf("%s %d theme", prefix, i+1),
			Thesis: "Placeholder thesis.",
			Goal:   "Placeholder goal.",
		}
	}
	return arcs
}
