// Package templates seeds Template records from a directory of YAML or TOML
// files and keeps them updated while the files change.
//
// A template file looks like:
//
//	id: launch-post        # optional, defaults to the file name
//	name: Launch post
//	category: marketing
//	content: |
//	  Announce {{product}} in three paragraphs.
//
// Records are stamped with the file's modification time, so an edit made in
// the app after the file was last touched wins over the file.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/quill/internal/schema"
)

type templateFile struct {
	ID       string `yaml:"id" toml:"id"`
	Name     string `yaml:"name" toml:"name"`
	Category string `yaml:"category" toml:"category"`
	Content  string `yaml:"content" toml:"content"`
}

// Supported reports whether path has a template file extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

// LoadFile reads one template file.
func LoadFile(path string) (*schema.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	var tf templateFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &tf); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported template file %s", path)
	}

	if tf.ID == "" {
		base := filepath.Base(path)
		tf.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if tf.Name == "" {
		tf.Name = tf.ID
	}
	tpl := &schema.Template{
		ID:        tf.ID,
		Name:      tf.Name,
		Category:  tf.Category,
		Content:   tf.Content,
		UpdatedAt: schema.StampOf(info.ModTime()),
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", path, err)
	}
	return tpl, nil
}

// LoadDir reads every template file in dir, sorted by file name. Files that
// fail to load are reported individually alongside the rest.
func LoadDir(dir string) ([]*schema.Template, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read template dir %s: %w", dir, err)}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		out  []*schema.Template
		errs []error
	)
	for _, name := range names {
		tpl, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, tpl)
	}
	return out, errs
}
