package publish

import (
	"context"
	"strconv"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// searchDocument is the indexed form of a deployed task.
type searchDocument struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"projectId"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags"`
	UpdatedAt string   `json:"updatedAt"`
}

// Meili indexes deployed output in Meilisearch.
type Meili struct {
	client meili.ServiceManager
	index  string
}

// NewMeili creates an index publisher. The index is created by Meilisearch
// on first write.
func NewMeili(url, apiKey, index string) *Meili {
	if index == "" {
		index = "quill_posts"
	}
	return &Meili{client: meili.New(url, meili.WithAPIKey(apiKey)), index: index}
}

// Publish implements Publisher. The location is the index task uid.
func (m *Meili) Publish(ctx context.Context, task *schema.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc := searchDocument{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Title:     task.Title,
		Body:      task.Output,
		Tags:      task.Tags,
		UpdatedAt: string(task.UpdatedAt),
	}
	info, err := m.client.Index(m.index).AddDocuments([]searchDocument{doc}, nil)
	if err != nil {
		return "", &TransportError{Op: "index", Target: m.index, Err: err}
	}
	return "meili:" + m.index + "#" + strconv.FormatInt(info.TaskUID, 10), nil
}
