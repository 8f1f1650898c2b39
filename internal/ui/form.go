package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrAborted is returned when the user cancels a form.
var ErrAborted = errors.New("cancelled")

// TaskInput holds the answers of the task creation form.
type TaskInput struct {
	ProjectID string
	Title     string
	Prompt    string
	Tags      []string
	Queue     bool
}

// Option is a selectable value with a label.
type Option struct {
	Label string
	Value string
}

// TaskForm asks for a new task. projects lists the selectable projects;
// defaults pre-fills the answers.
func TaskForm(projects []Option, defaults TaskInput) (TaskInput, error) {
	in := defaults
	tags := strings.Join(defaults.Tags, ", ")

	projectOptions := make([]huh.Option[string], 0, len(projects))
	for _, p := range projects {
		projectOptions = append(projectOptions, huh.NewOption(p.Label, p.Value))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Project").
				Options(projectOptions...).
				Value(&in.ProjectID),

			huh.NewInput().
				Title("Title").
				Description("Working title of the piece (required)").
				Value(&in.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("title is required")
					}
					return nil
				}),

			huh.NewText().
				Title("Prompt").
				Description("What should be written").
				CharLimit(10000).
				Value(&in.Prompt),

			huh.NewInput().
				Title("Tags").
				Description("Comma-separated (optional)").
				Value(&tags),

			huh.NewConfirm().
				Title("Queue for generation now?").
				Affirmative("Queue").
				Negative("Keep as draft").
				Value(&in.Queue),
		),
	).WithTheme(huh.ThemeBase())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return TaskInput{}, ErrAborted
		}
		return TaskInput{}, fmt.Errorf("form error: %w", err)
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Tags = SplitList(tags)
	return in, nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
