package engine

import (
	"strings"

	"github.com/yangwenmai/cadence/internal/model"
)

// Critic verdicts.
const (
	VerdictAccept = "accept"
	VerdictRevise = "revise"
)

// Verdict is the structured output of a critic stage.
type Verdict struct {
	Verdict string   `json:"verdict"`
	Issues  []string `json:"issues"`
}

// Accepted reports whether the critic accepted the draft.
func (v Verdict) Accepted() bool {
	return strings.EqualFold(strings.TrimSpace(v.Verdict), VerdictAccept)
}

// ParseVerdict decodes critic output. Anything but a JSON verdict of accept
// or revise is a malformed response.
func ParseVerdict(reply string) (Verdict, error) {
	var v Verdict
	if err := decodeReply(reply, &v); err != nil {
		return Verdict{}, err
	}
	switch strings.ToLower(strings.TrimSpace(v.Verdict)) {
	case VerdictAccept, VerdictRevise:
		return v, nil
	}
	return Verdict{}, malformed("verdict %q is neither accept nor revise", v.Verdict)
}

// Topic is one proposed post topic.
type Topic struct {
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Brief    string   `json:"brief"`
}

// TopicsResult is the structured output of the topics chain.
type TopicsResult struct {
	Topics []Topic `json:"topics"`
}

// ParseTopics decodes topics-chain output and checks it holds at least want
// titled topics.
func ParseTopics(reply string, want int) ([]Topic, error) {
	var res TopicsResult
	if err := decodeReply(reply, &res); err != nil {
		return nil, err
	}
	var out []Topic
	for _, t := range res.Topics {
		if strings.TrimSpace(t.Title) == "" {
			continue
		}
		t.Tags = model.NormalizeTags(t.Tags)
		out = append(out, t)
	}
	if len(out) < want {
		return nil, malformed("got %d topics, want %d", len(out), want)
	}
	return out[:want], nil
}

// Arc is a theme proposed for a month or week bucket.
type Arc struct {
	Theme  string `json:"theme"`
	Thesis string `json:"thesis"`
	Goal   string `json:"goal"`
}

type arcsResult struct {
	Months []Arc `json:"months"`
	Weeks  []Arc `json:"weeks"`
}

// ParseArcs decodes months- or weeks-chain output and checks it holds exactly want arcs.
func ParseArcs(reply string, want int) ([]Arc, error) {
	var res arcsResult
	if err := decodeReply(reply, &res); err != nil {
		return nil, err
	}
	arcs := res.Months
	if len(arcs) == 0 {
		arcs = res.Weeks
	}
	if len(arcs) != want {
		return nil, malformed("got %d arcs, want %d", len(arcs), want)
	}
	for i, a := range arcs {
		if strings.TrimSpace(a.Theme) == "" {
			return nil, malformed("arc %d has no theme", i)
		}
	}
	return arcs, nil
}

// ImagePrompt is the structured output of the image chain.
type ImagePrompt struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

// ParseImagePrompt decodes image-chain output.
func ParseImagePrompt(reply string) (ImagePrompt, error) {
	var ip ImagePrompt
	if err := decodeReply(reply, &ip); err != nil {
		return ImagePrompt{}, err
	}
	if strings.TrimSpace(ip.Prompt) == "" {
		return ImagePrompt{}, malformed("image prompt is empty")
	}
	return ip, nil
}

// Text renders the prompt as stored on an artifact.
func (ip ImagePrompt) Text() string {
	if ip.Style == "" {
		return ip.Prompt
	}
	return ip.Prompt + " (style: " + ip.Style + ")"
}
