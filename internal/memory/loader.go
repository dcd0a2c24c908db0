package memory

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Article is one entry of a YAML knowledge file:
//
//	articles:
//	  - category: faq
//	    title: How do I submit homework?
//	    content: Open the lesson and ...
//	    keywords: homework, submit
type Article struct {
	Category string `yaml:"category"`
	Title    string `yaml:"title"`
	Question string `yaml:"question"`
	Content  string `yaml:"content"`
	Answer   string `yaml:"answer"`
	Keywords string `yaml:"keywords"`
}

type articleFile struct {
	Articles []Article `yaml:"articles"`
}

// LoadDocuments reads every supported file under path (a file or a
// directory). Text and markdown files become one document each; YAML files
// yield one document per article. Document ids are relative to path.
func LoadDocuments(path string) ([]Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadFile(filepath.Dir(path), path)
	}

	var docs []Document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		got, err := loadFile(path, p)
		if err != nil {
			return err
		}
		docs = append(docs, got...)
		return nil
	})
	return docs, err
}

func loadFile(root, p string) ([]Document, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		rel = filepath.Base(p)
	}
	rel = filepath.ToSlash(rel)

	switch strings.ToLower(filepath.Ext(p)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(string(data)) == "" {
			return nil, nil
		}
		return []Document{{ID: rel, Title: filepath.Base(p), Text: string(data)}}, nil
	case ".yaml", ".yml":
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		return parseArticles(rel, data)
	}
	return nil, nil
}

func parseArticles(id string, data []byte) ([]Document, error) {
	var f articleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", id, err)
	}
	var docs []Document
	for i, a := range f.Articles {
		title := firstNonEmpty(a.Title, a.Question)
		body := firstNonEmpty(a.Content, a.Answer)
		if body == "" {
			continue
		}
		var text strings.Builder
		if title != "" {
			text.WriteString(title + "\n")
		}
		text.WriteString(body)
		if a.Keywords != "" {
			text.WriteString("\nKeywords: " + a.Keywords)
		}
		docs = append(docs, Document{
			ID:    fmt.Sprintf("%s#%d", id, i+1),
			Title: firstNonEmpty(title, id),
			Text:  text.String(),
		})
	}
	return docs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
