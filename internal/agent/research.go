package agent

import (
	"context"

	"github.com/clawplaza/monody/internal/tools"
)

// ResearchRequest is the input of research_assistant.
type ResearchRequest struct {
	Prompt string `json:"prompt" desc:"The question to research, with any context the researcher needs" tool:"required,maxlen=4000"`
}

// ResearchResponse is the output of research_assistant.
type ResearchResponse struct {
	Answer string `json:"answer"`
}

// ResearchTool exposes a research agent as the research_assistant tool.
func ResearchTool(a *Agent) tools.Handler {
	return tools.New("research_assistant",
		"Hand a question to a specialized research agent that can search the web and read pages. Use it to investigate unknown or recent information that needs more than one lookup.",
		func(ctx context.Context, req ResearchRequest) (ResearchResponse, error) {
			answer, err := a.Ask(ctx, req.Prompt)
			if err != nil {
				return ResearchResponse{}, tools.Failed(err)
			}
			return ResearchResponse{Answer: answer}, nil
		})
}
