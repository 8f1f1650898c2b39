package schema

// Template is reusable prompt content.
type Template struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	UpdatedAt Stamp  `json:"updatedAt"`
}

func (t *Template) Kind() Kind { return KindTemplate }
func (t *Template) Key() string { return t.ID }
func (t *Template) Version() Stamp { return t.UpdatedAt }
func (t *Template) SetVersion(s Stamp) { t.UpdatedAt = s }

func (t *Template) Validate() error {
	if t.ID == "" {
		return &ValidationError{Kind: KindTemplate, Field: "id", Reason: "is required"}
	}
	if t.Name == "" {
		return &ValidationError{Kind: KindTemplate, Field: "name", Reason: "is required"}
	}
	return withKind(validateStamp("updatedAt", t.UpdatedAt, true), KindTemplate)
}
