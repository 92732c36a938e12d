package compiler

import (
	_ "embed"
	"regexp"
	"strings"
)

var (
	//go:embed templates/preamble.tex
	preambleTemplate string
	//go:embed templates/document.tex
	documentTemplate string
	//go:embed templates/tikzpicture.tex
	pictureTemplate string
)

// Mode selects how caller source becomes a document.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeBody Mode = "body"
	ModeFull Mode = "full"
)

// ParseMode maps a request value to a Mode. Empty means auto.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, true
	case ModeAuto, ModeBody, ModeFull:
		return m, true
	}
	return "", false
}

// Templates holds the three document templates. Placeholders are written
// {NAME} in upper case.
type Templates struct {
	Preamble string // EXTRA_PACKAGES, EXTRA_PREAMBLE
	Document string // PREAMBLE, BODY
	Picture  string // CONTENT
}

// DefaultTemplates returns the embedded standalone/tikz templates.
func DefaultTemplates() Templates {
	return Templates{Preamble: preambleTemplate, Document: documentTemplate, Picture: pictureTemplate}
}

var rePlaceholder = regexp.MustCompile(`\{[A-Z_]+\}`)

// RenderTemplate substitutes {NAME} placeholders from fields in one pass.
// Substituted text is never rescanned; unknown placeholders are left as is.
func RenderTemplate(tpl string, fields map[string]string) string {
	return rePlaceholder.ReplaceAllStringFunc(tpl, func(m string) string {
		if v, ok := fields[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// AssembleInput is already-sanitized caller text.
type AssembleInput struct {
	Source        string
	Mode          Mode
	Packages      string // rendered \usepackage lines
	ExtraPreamble string
}

// IsFullDocument reports whether s declares its own document class.
func IsFullDocument(s string) bool {
	return strings.Contains(s, `\documentclass`)
}

// Assemble builds the final document.
func (t Templates) Assemble(in AssembleInput) string {
	if in.Mode == ModeFull || ((in.Mode == ModeAuto || in.Mode == "") && IsFullDocument(in.Source)) {
		return in.Source
	}

	body := in.Source
	if !strings.Contains(body, `\begin{tikzpicture}`) {
		body = RenderTemplate(t.Picture, map[string]string{"CONTENT": body})
	}
	preamble := RenderTemplate(t.Preamble, map[string]string{
		"EXTRA_PACKAGES": in.Packages,
		"EXTRA_PREAMBLE": in.ExtraPreamble,
	})
	return RenderTemplate(t.Document, map[string]string{
		"PREAMBLE": preamble,
		"BODY":     body,
	})
}

// Assemble builds the final document from the default templates.
func Assemble(in AssembleInput) string {
	return DefaultTemplates().Assemble(in)
}
