package pipeline

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"
)

// stageInstructions is what each pipeline step asks of the provider. The
// real craft lives in the external template service; these are the minimal
// built-in instructions the daemon falls back to.
var stageInstructions = map[string]string{
	"draft":   "Write a first implementation draft for the story below.",
	"logic":   "Review the drafted implementation for the story below and fix logic errors.",
	"style":   "Apply the project style conventions to the generated code for the story below.",
	"test":    "Write unit tests covering the implementation for the story below.",
	"typefix": "Resolve type errors reported against the generated code for the story below.",
	"report":  "Summarize what was generated for the story below and flag anything needing human review.",
}

// buildPrompt renders the provider prompt for one stage of one story.
func buildPrompt(stage Stage, story protocol.Story) string {
	var b strings.Builder
	instruction, ok := stageInstructions[stage.Name]
	if !ok {
		instruction = fmt.Sprintf("Perform the %q step for the story below.", stage.Name)
	}
	b.WriteString(instruction)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Story: %s\n", story.ID)
	if story.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", story.Title)
	}
	fmt.Fprintf(&b, "Project: %s\n", story.ProjectID)
	fmt.Fprintf(&b, "Complexity: %s\n", story.Complexity)
	if story.PromptSeed != "" {
		b.WriteString("\n")
		b.WriteString(story.PromptSeed)
		b.WriteString("\n")
	}
	return b.String()
}
