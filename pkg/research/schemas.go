package research

import "github.com/google/jsonschema-go/jsonschema"

func one() *int {
	n := 1
	return &n
}

func stringList(description string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "array",
		Description: description,
		Items:       &jsonschema.Schema{Type: "string"},
	}
}

// QueriesSchema is the planning response.
func QueriesSchema() *jsonschema.Schema {
	queries := stringList("3 到 5 个具体的搜索查询")
	queries.MinItems = one()
	return &jsonschema.Schema{
		Type:       "object",
		Required:   []string{"queries"},
		Properties: map[string]*jsonschema.Schema{"queries": queries},
	}
}

// FindingsSchema is the extraction response.
func FindingsSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"findings"},
		Properties: map[string]*jsonschema.Schema{
			"findings": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"fact"},
					Properties: map[string]*jsonschema.Schema{
						"fact":   {Type: "string", Description: "从资料中提取的事实"},
						"source": {Type: "string", Description: "事实来源的 URL"},
					},
				},
			},
		},
	}
}

// AnalysisSchema is the analysis response.
func AnalysisSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"isComplete"},
		Properties: map[string]*jsonschema.Schema{
			"isComplete":        {Type: "boolean", Description: "现有发现是否足以回答问题"},
			"gaps":              stringList("尚未覆盖的信息缺口"),
			"additionalQueries": stringList("用于填补缺口的补充搜索查询"),
		},
	}
}

// QuestionsSchema leaves items open; models answer with plain strings or
// with {"text": ...} objects.
func QuestionsSchema() *jsonschema.Schema {
	questions := &jsonschema.Schema{Type: "array", Description: "5 个澄清问题", MinItems: one()}
	return &jsonschema.Schema{
		Type:       "object",
		Required:   []string{"questions"},
		Properties: map[string]*jsonschema.Schema{"questions": questions},
	}
}
