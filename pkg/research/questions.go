package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// QuestionCount is how many clarifying questions are offered.
const QuestionCount = 5

// GenerateQuestions asks the model for clarifying questions about topic.
// It never fails: any model error yields the templated questions, and
// fallback reports which happened.
func (e *ResearchEngine) GenerateQuestions(ctx context.Context, topic string) (questions []Question, fallback bool) {
	e = e.withDefaults()

	res, err := e.Gateway.Call(ctx, llm.Request{
		Model:  e.Config.QuestionModel,
		System: questionsSystem,
		Prompt: questionsPrompt(topic),
		Schema: QuestionsSchema(),
	})
	if err == nil {
		questions = questionsFrom(res.Object["questions"])
		if len(questions) > 0 {
			return questions, false
		}
		err = fmt.Errorf("model returned no usable questions")
	}

	e.Logger.Warn("Question generation failed, using templated questions", "topic", topic, "error", err)
	return FallbackQuestions(topic), true
}

// questionsFrom accepts a list of strings or of objects with a text or
// question field.
func questionsFrom(v any) []Question {
	items, _ := v.([]any)
	var out []Question
	for _, item := range items {
		var text string
		switch q := item.(type) {
		case string:
			text = q
		case map[string]any:
			for _, key := range []string{"text", "question"} {
				if s, ok := q[key].(string); ok && s != "" {
					text = s
					break
				}
			}
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		out = append(out, Question{ID: uuid.NewString(), Text: text})
		if len(out) == QuestionCount {
			break
		}
	}
	return out
}

func FallbackQuestions(topic string) []Question {
	templates := []string{
		`"%s"的主要发展历史是什么？`,
		`"%s"目前面临的最大挑战是什么？`,
		`"%s"的未来发展趋势如何？`,
		`"%s"在全球范围内的影响力如何？`,
		`如何评价"%s"的社会价值？`,
	}
	out := make([]Question, len(templates))
	for i, t := range templates {
		out[i] = Question{ID: uuid.NewString(), Text: fmt.Sprintf(t, topic)}
	}
	return out
}
