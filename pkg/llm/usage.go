package llm

import (
	"strings"
	"sync/atomic"
)

// Usage counts tokens and successful calls for one research run. A nil
// *Usage records nothing.
type Usage struct {
	tokens atomic.Int64
	steps  atomic.Int64
}

func (u *Usage) record(tokens int) {
	if u == nil {
		return
	}
	u.tokens.Add(int64(tokens))
	u.steps.Add(1)
}

func (u *Usage) Tokens() int64 {
	if u == nil {
		return 0
	}
	return u.tokens.Load()
}

func (u *Usage) Steps() int64 {
	if u == nil {
		return 0
	}
	return u.steps.Load()
}

// Profile holds the sampling parameters sent with a model call.
type Profile struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// ProfileFor picks sampling parameters by model family: reasoning
// ("thinking") models run warmer than the fast extraction models.
func ProfileFor(model string) Profile {
	if strings.Contains(model, "thinking") {
		return Profile{Temperature: 0.7, TopP: 0.95, MaxTokens: 2000}
	}
	return Profile{Temperature: 0.3, TopP: 0.95, MaxTokens: 2000}
}
