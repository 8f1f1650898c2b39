package publish

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/quill/internal/schema"
)

type frontMatter struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title"`
	Project   string   `yaml:"project"`
	Tags      []string `yaml:"tags,omitempty"`
	Model     string   `yaml:"model,omitempty"`
	UpdatedAt string   `yaml:"updated"`
}

// Render formats a task as Markdown with a YAML front matter block.
func Render(task *schema.Task) ([]byte, error) {
	fm := frontMatter{
		ID:        task.ID,
		Title:     task.Title,
		Project:   task.ProjectID,
		Tags:      task.Tags,
		UpdatedAt: string(task.UpdatedAt),
	}
	if task.Parameters != nil {
		fm.Model = task.Parameters.Model
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("failed to render front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(task.Output)
	if n := len(task.Output); n > 0 && task.Output[n-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// FileName is the file a task is published under.
func FileName(task *schema.Task) string {
	return task.ID + ".md"
}
