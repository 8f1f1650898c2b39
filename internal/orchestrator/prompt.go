package orchestrator

import (
	"strings"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Prompt is the composed input for one generation.
type Prompt struct {
	// System carries the project's standing instructions and knowledge.
	System string
	// User is the task prompt.
	User        string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// ComposePrompt builds the generation input for task. project may be nil.
func ComposePrompt(project *schema.Project, task *schema.Task) Prompt {
	var sys strings.Builder
	if project != nil {
		if p := strings.TrimSpace(project.GlobalPrompt); p != "" {
			sys.WriteString(p)
		}
		if k := strings.TrimSpace(project.KnowledgeContext); k != "" {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString("## Knowledge\n")
			sys.WriteString(k)
		}
	}

	user := strings.TrimSpace(task.Prompt)
	if user == "" {
		user = task.Title
	} else {
		user = "# " + task.Title + "\n\n" + user
	}

	p := Prompt{System: sys.String(), User: user}
	if params := task.Parameters; params != nil {
		p.Model = params.Model
		p.MaxTokens = params.MaxTokens
		p.Temperature = params.Temperature
	}
	return p
}
