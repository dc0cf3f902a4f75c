package engine

import (
	"github.com/yangwenmai/cadence/internal/model"
)

// Role is a named agent behaviour. The set is closed.
type Role string

const (
	RoleTopicCreator   Role = "topic_creator"
	RoleTopicCritic    Role = "topic_critic"
	RoleTopicFixer     Role = "topic_fixer"
	RoleMonthArchitect Role = "month_architect"
	RoleMonthCritic    Role = "month_critic"
	RoleMonthFixer     Role = "month_fixer"
	RoleWeekArchitect  Role = "week_architect"
	RoleWeekCritic     Role = "week_critic"
	RoleWeekFixer      Role = "week_fixer"
	RolePostCreator    Role = "post_creator"
	RolePostCritic     Role = "post_critic"
	RolePostFixer      Role = "post_fixer"
	RoleImagePrompter  Role = "image_prompter"
)

// Stage is the position of a role within a chain.
type Stage string

const (
	StageCreator Stage = "creator"
	StageCritic  Stage = "critic"
	StageFixer   Stage = "fixer"
)

type roleInfo struct {
	stage  Stage
	prompt string
}

var roles = map[Role]roleInfo{
	RoleTopicCreator:   {StageCreator, topicCreatorPrompt},
	RoleTopicCritic:    {StageCritic, criticPrompt("a list of post topics for one week")},
	RoleTopicFixer:     {StageFixer, topicFixerPrompt},
	RoleMonthArchitect: {StageCreator, monthArchitectPrompt},
	RoleMonthCritic:    {StageCritic, criticPrompt("a quarter split into three monthly arcs")},
	RoleMonthFixer:     {StageFixer, monthFixerPrompt},
	RoleWeekArchitect:  {StageCreator, weekArchitectPrompt},
	RoleWeekCritic:     {StageCritic, criticPrompt("a monthly arc split into four weekly themes")},
	RoleWeekFixer:      {StageFixer, weekFixerPrompt},
	RolePostCreator:    {StageCreator, postCreatorPrompt},
	RolePostCritic:     {StageCritic, criticPrompt("a single social media post")},
	RolePostFixer:      {StageFixer, postFixerPrompt},
	RoleImagePrompter:  {StageCreator, imagePrompterPrompt},
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roles[r]; !ok {
		return "", model.Invalid("role", "unknown role %q", s)
	}
	return r, nil
}

// Stage returns the chain position of r.
func (r Role) Stage() Stage {
	return roles[r].stage
}

// DefaultPrompt returns the built-in system prompt of r.
func (r Role) DefaultPrompt() string {
	return roles[r].prompt
}

// Chain is a named creator/critic/fixer role triple. Critic and Fixer are
// empty for single-stage chains.
type Chain struct {
	Name    string
	Creator Role
	Critic  Role
	Fixer   Role
}

// SingleStage reports whether the chain stops after the creator.
func (c Chain) SingleStage() bool {
	return c.Critic == ""
}

var (
	ChainTopics = Chain{Name: "topics", Creator: RoleTopicCreator, Critic: RoleTopicCritic, Fixer: RoleTopicFixer}
	ChainMonths = Chain{Name: "months", Creator: RoleMonthArchitect, Critic: RoleMonthCritic, Fixer: RoleMonthFixer}
	ChainWeeks  = Chain{Name: "weeks", Creator: RoleWeekArchitect, Critic: RoleWeekCritic, Fixer: RoleWeekFixer}
	ChainPost   = Chain{Name: "post", Creator: RolePostCreator, Critic: RolePostCritic, Fixer: RolePostFixer}
	ChainImage  = Chain{Name: "image", Creator: RoleImagePrompter}
)

// ChainByName looks up a chain.
func ChainByName(name string) (Chain, error) {
	for _, c := range []Chain{ChainTopics, ChainMonths, ChainWeeks, ChainPost, ChainImage} {
		if c.Name == name {
			return c, nil
		}
	}
	return Chain{}, model.Invalid("chain", "unknown chain %q", name)
}
