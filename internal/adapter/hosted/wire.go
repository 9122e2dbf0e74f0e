package hosted

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/tidwall/gjson"

	"agentfabric/internal/domain"
)

// toolTypes maps configured tool names to platform tool types.
var toolTypes = map[string]string{
	"code_interpreter": "code_interpreter",
	"web_search":       "bing_grounding",
	"bing_grounding":   "bing_grounding",
	"file_search":      "file_search",
}

// toolParam builds a tool definition. Platform tools the SDK has no type
// for, such as bing_grounding, are sent as a bare {"type": ...} object.
func toolParam(typ string) openai.AssistantToolUnionParam {
	switch typ {
	case "code_interpreter":
		return openai.AssistantToolUnionParam{OfCodeInterpreter: &openai.CodeInterpreterToolParam{}}
	case "file_search":
		return openai.AssistantToolUnionParam{OfFileSearch: &openai.FileSearchToolParam{}}
	default:
		return param.Override[openai.AssistantToolUnionParam](map[string]string{"type": typ})
	}
}

func toAgentParams(def domain.HostedAgentDefinition) openai.BetaAssistantNewParams {
	p := openai.BetaAssistantNewParams{
		Model:    def.Model,
		Metadata: def.Metadata,
	}
	if def.Name != "" {
		p.Name = openai.String(def.Name)
	}
	if def.Description != "" {
		p.Description = openai.String(def.Description)
	}
	if def.Instructions != "" {
		p.Instructions = openai.String(def.Instructions)
	}
	if def.Temperature != nil {
		p.Temperature = openai.Float(*def.Temperature)
	}
	if def.TopP != nil {
		p.TopP = openai.Float(*def.TopP)
	}

	var hasCode, hasSearch bool
	for _, t := range def.Tools {
		typ, ok := toolTypes[t]
		if !ok {
			typ = t
		}
		p.Tools = append(p.Tools, toolParam(typ))
		hasCode = hasCode || typ == "code_interpreter"
		hasSearch = hasSearch || typ == "file_search"
	}

	// Resources attach to code interpreter files first, else to file search.
	if len(def.ToolResources) > 0 {
		switch {
		case hasCode:
			p.ToolResources.CodeInterpreter.FileIDs = def.ToolResources
		case hasSearch:
			p.ToolResources.FileSearch.VectorStoreIDs = def.ToolResources
		}
	}
	return p
}

func toMessageParams(role, content string) openai.BetaThreadMessageNewParams {
	return openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRole(role),
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(content)},
	}
}

func toRunParams(opts domain.HostedRunOptions) openai.BetaThreadRunNewParams {
	p := openai.BetaThreadRunNewParams{AssistantID: opts.AgentID}
	if opts.Instructions != "" {
		p.Instructions = openai.String(opts.Instructions)
	}
	if opts.Temperature != nil {
		p.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		p.TopP = openai.Float(*opts.TopP)
	}
	if opts.MaxPromptTokens > 0 {
		p.MaxPromptTokens = openai.Int(int64(opts.MaxPromptTokens))
	}
	if opts.MaxCompletionTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(opts.MaxCompletionTokens))
	}
	return p
}

func toHostedRun(r *openai.Run, threadID string) *domain.HostedRun {
	run := &domain.HostedRun{ID: r.ID, ThreadID: r.ThreadID, Status: string(r.Status)}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	if r.LastError.Code != "" || r.LastError.Message != "" {
		run.LastError = &domain.HostedRunError{Code: r.LastError.Code, Message: r.LastError.Message}
	}
	return run
}

// messageItems flattens a message into content items: text first, then the
// files and citations its annotations reference. URL citations are not part
// of the SDK's annotation union and are read from the raw annotation.
func messageItems(m openai.Message) []domain.ContentItem {
	var out []domain.ContentItem
	for _, c := range m.Content {
		switch c.Type {
		case "text":
			out = append(out, domain.TextItem(c.Text.Value))
			for _, a := range c.Text.Annotations {
				switch {
				case a.Type == "file_path" && a.FilePath.FileID != "":
					out = append(out, domain.FileItem(a.FilePath.FileID, ""))
				case a.Type == "url_citation":
					cite := gjson.Get(a.RawJSON(), "url_citation")
					out = append(out, domain.ContentItem{
						Kind:  domain.ContentAnnotation,
						Text:  a.Text,
						URL:   cite.Get("url").String(),
						Title: cite.Get("title").String(),
					})
				}
			}
		case "image_file":
			if c.ImageFile.FileID != "" {
				out = append(out, domain.FileItem(c.ImageFile.FileID, ""))
			}
		}
	}
	return out
}

// toRunStep decodes tool calls from the raw step details: a call's details
// live under a key named after its type, and grounding calls carry a
// requesturl there.
func toRunStep(s openai.RunStep) domain.RunStep {
	step := domain.RunStep{ID: s.ID, Type: string(s.Type)}
	gjson.Get(s.StepDetails.RawJSON(), "tool_calls").ForEach(func(_, call gjson.Result) bool {
		typ := call.Get("type").String()
		step.ToolCalls = append(step.ToolCalls, domain.RunStepToolCall{
			ID:         call.Get("id").String(),
			Type:       typ,
			RequestURL: call.Get(gjson.Escape(typ) + ".requesturl").String(),
		})
		return true
	})
	return step
}
