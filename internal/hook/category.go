package hook

import (
	"strings"
	"time"
)

// Category groups tools by how long they normally run before a human
// is likely to be involved.
type Category int

const (
	CategoryMedium Category = iota
	CategoryFast
	CategoryUserInput
	CategorySlow
)

var categoryNames = map[Category]string{
	CategoryFast:      "fast",
	CategoryUserInput: "user-input",
	CategoryMedium:    "medium",
	CategorySlow:      "slow",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "medium"
}

// ParseCategory accepts the names produced by String plus the
// underscore spelling used in YAML ("user_input").
func ParseCategory(name string) (Category, bool) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return CategoryMedium, false
}

var builtinCategories = map[string]Category{
	"Read":            CategoryFast,
	"Write":           CategoryFast,
	"Edit":            CategoryFast,
	"MultiEdit":       CategoryFast,
	"Grep":            CategoryFast,
	"Glob":            CategoryFast,
	"LS":              CategoryFast,
	"NotebookEdit":    CategoryFast,
	"TodoWrite":       CategoryFast,
	"AskUserQuestion": CategoryUserInput,
	"EnterPlanMode":   CategoryUserInput,
	"ExitPlanMode":    CategoryUserInput,
	"WebFetch":        CategoryMedium,
	"WebSearch":       CategoryMedium,
	"Bash":            CategorySlow,
	"Task":            CategorySlow,
	"Agent":           CategorySlow,
}

// Timeouts is the detector delay per category.
type Timeouts struct {
	Fast      time.Duration
	UserInput time.Duration
	Medium    time.Duration
	Slow      time.Duration
}

func (t Timeouts) For(c Category) time.Duration {
	switch c {
	case CategoryFast:
		return t.Fast
	case CategoryUserInput:
		return t.UserInput
	case CategorySlow:
		return t.Slow
	default:
		return t.Medium
	}
}

// Classifier maps tool names to categories. Unknown tools are medium.
type Classifier struct {
	overrides map[string]Category
}

// NewClassifier builds a Classifier. overrides maps tool names to
// category names; unparseable names are ignored and returned.
func NewClassifier(overrides map[string]string) (*Classifier, []string) {
	c := &Classifier{overrides: make(map[string]Category, len(overrides))}
	var bad []string
	for tool, name := range overrides {
		cat, ok := ParseCategory(name)
		if !ok {
			bad = append(bad, tool)
			continue
		}
		c.overrides[tool] = cat
	}
	return c, bad
}

func (c *Classifier) Classify(tool string) Category {
	if c != nil {
		if cat, ok := c.overrides[tool]; ok {
			return cat
		}
	}
	if cat, ok := builtinCategories[tool]; ok {
		return cat
	}
	return CategoryMedium
}
