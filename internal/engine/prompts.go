package engine

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const topicCreatorPrompt = `You plan a week of social media posts for a brand channel.
Given the week's theme and the brief, propose distinct post topics.

Output ONLY valid JSON with this exact structure (no markdown, no explanation):
{"topics": [{"title": "...", "category": "...", "tags": ["..."], "brief": "one or two sentences"}]}

Rules:
- Return exactly the number of topics requested
- Titles are concrete and non-overlapping
- Tags are short lowercase words without '#'`

const topicFixerPrompt = `You revise a list of post topics using a reviewer's critique.
Keep what the critique does not mention. Return the same JSON structure and the same number of topics:
{"topics": [{"title": "...", "category": "...", "tags": ["..."], "brief": "..."}]}`

const monthArchitectPrompt = `You are a content strategist. Split a 12-week quarter into exactly 3 monthly arcs
that together serve the quarter goal.

Output ONLY valid JSON:
{"months": [{"theme": "...", "thesis": "...", "goal": "..."}]}`

const monthFixerPrompt = `You revise three monthly arcs using a reviewer's critique.
Return exactly 3 arcs in the same JSON structure:
{"months": [{"theme": "...", "thesis": "...", "goal": "..."}]}`

const weekArchitectPrompt = `You are a content strategist. Split a 4-week monthly arc into exactly 4 weekly themes
that build on each other.

Output ONLY valid JSON:
{"weeks": [{"theme": "...", "thesis": "...", "goal": "..."}]}`

const weekFixerPrompt = `You revise four weekly themes using a reviewer's critique.
Return exactly 4 weeks in the same JSON structure:
{"weeks": [{"theme": "...", "thesis": "...", "goal": "..."}]}`

const postCreatorPrompt = `You write one social media post for a brand channel.
Follow the brief and the week's framing. Write the post text only: no preamble, no quotes, no markdown headings.
Keep it under 1000 characters unless the brief asks otherwise.`

const postFixerPrompt = `You revise a social media post using a reviewer's critique.
Address every issue raised. Return the revised post text only.`

const imagePrompterPrompt = `You write a prompt for an image generator to illustrate a social media post.

Output ONLY valid JSON:
{"prompt": "a detailed visual description", "style": "short style label"}`

func criticPrompt(subject string) string {
	return fmt.Sprintf(`You are a demanding editor reviewing %s.
Check it against the brief, the framing and every user comment.

Output ONLY valid JSON with this exact structure:
{"verdict": "accept", "issues": []}

Rules:
- verdict is "accept" when the work is ready to publish as is, otherwise "revise"
- issues lists concrete, actionable problems; empty when accepting`, subject)
}

// truncateRunes truncates s to maxRunes runes (Unicode-safe).
func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n... [truncated]"
}

// mustJSON marshals v to a JSON string. It panics on error because callers
// only pass known struct types that are guaranteed to be serializable.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("engine: json.Marshal failed on known type: %v", err))
	}
	return string(b)
}
