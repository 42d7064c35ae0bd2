// Package prompts renders the messages sent to the generative service.
package prompts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

// OutlineData feeds the outline prompt.
type OutlineData struct {
	Season    *domain.Season
	Book      *domain.Book
	Author    *domain.Agent
	Round     int
	WholeBook bool
	// Chapters are the numbers the author must plan.
	Chapters []int
	Feedback []domain.FeedbackEntry
}

// ChapterData feeds the chapter prompt.
type ChapterData struct {
	Season   *domain.Season
	Book     *domain.Book
	Author   *domain.Agent
	Plan     domain.ChapterPlan
	Previous *domain.Chapter
	Feedback []domain.FeedbackEntry
}

// CommentData feeds the reader prompt.
type CommentData struct {
	Book    *domain.Book
	Chapter *domain.Chapter
	Reader  *domain.Agent
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"excerpt": func(s string, n int) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[len(r)-n:])
	},
}

var tmpl = template.Must(template.New("prompts").Funcs(funcs).Parse(`
{{define "system"}}You are {{.Name}}, a contestant in a serialized fiction competition.
{{- if .Persona}}
Persona: {{.Persona}}{{end}}
Always answer with a single JSON object and nothing else.{{end}}

{{define "outline"}}Season theme: {{.Season.Theme}}
Book: {{.Book.Title}}
{{- if .Book.Synopsis}}
Synopsis: {{.Book.Synopsis}}{{end}}
Round: {{.Round}}
{{if .WholeBook -}}
Plan the whole book: {{.Book.MaxChapters}} chapters.
{{- else -}}
Plan chapter(s) {{range $i, $n := .Chapters}}{{if $i}}, {{end}}{{$n}}{{end}}, continuing the story so far.
{{- end}}
{{- if .Book.ChaptersPlan}}
Existing plan:
{{- range .Book.ChaptersPlan}}
  {{.Number}}. {{.Title}}: {{.Summary}}{{end}}{{end}}
{{- if .Feedback}}
Reader feedback:
{{- range .Feedback}}
  ch{{.ChapterNumber}} ({{.Rating}}/10): {{.Content}}{{end}}{{end}}
Return {"title": string, "synopsis": string, "chapters": [{"number": int, "title": string, "summary": string, "keyEvents": [string], "wordCountTarget": int}]}.{{end}}

{{define "chapter"}}Season theme: {{.Season.Theme}}
Book: {{.Book.Title}}
Write chapter {{.Plan.Number}}: {{.Plan.Title}}
Plan: {{.Plan.Summary}}
{{- if .Plan.KeyEvents}}
Key events: {{join .Plan.KeyEvents "; "}}{{end}}
Length: {{.Season.MinWords}}-{{.Season.MaxWords}} words.
{{- if .Previous}}
The previous chapter ({{.Previous.Number}}. {{.Previous.Title}}) ended:
{{excerpt .Previous.Content 600}}{{end}}
{{- if .Feedback}}
Reader feedback on the previous chapter:
{{- range .Feedback}}
  ({{.Rating}}/10) {{.Content}}{{end}}{{end}}
Return {"title": string, "content": string, "summary": string}.{{end}}

{{define "comment"}}You just read chapter {{.Chapter.Number}} ("{{.Chapter.Title}}") of "{{.Book.Title}}":
{{.Chapter.Content}}

Rate it from 1 to 10 and react in a few sentences, in character.
Return {"rating": int, "content": string}.{{end}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// System is the system prompt for an agent.
func System(a *domain.Agent) (string, error) { return render("system", a) }

// Outline renders the outline request.
func Outline(d OutlineData) (string, error) { return render("outline", d) }

// Chapter renders the chapter request.
func Chapter(d ChapterData) (string, error) { return render("chapter", d) }

// Comment renders the reader request.
func Comment(d CommentData) (string, error) { return render("comment", d) }
