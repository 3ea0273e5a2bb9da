package notion

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// PROPERTY EXTRACTION
// =============================================================================
//
// Notion properties arrive as {"Name": {"type": "rich_text", "rich_text":
// [...]}, ...}. The transform mapping table names a property; these helpers
// pull a plain Go value out of whatever property type it turns out to be.

// Properties is a decoded property map of one page.
type Properties map[string]json.RawMessage

// ParseProperties decodes the raw properties JSON of a staged page.
func ParseProperties(raw []byte) (Properties, error) {
	var p Properties
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

type richText struct {
	PlainText string `json:"plain_text"`
}

type propertyValue struct {
	Type        string     `json:"type"`
	Title       []richText `json:"title"`
	RichText    []richText `json:"rich_text"`
	Number      *float64   `json:"number"`
	Checkbox    *bool      `json:"checkbox"`
	Select      *struct {
		Name string `json:"name"`
	} `json:"select"`
	MultiSelect []struct {
		Name string `json:"name"`
	} `json:"multi_select"`
	URL      string `json:"url"`
	Relation []struct {
		ID string `json:"id"`
	} `json:"relation"`
}

func (p Properties) value(name string) (*propertyValue, bool) {
	raw, ok := p[name]
	if !ok {
		return nil, false
	}
	var v propertyValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// Text returns the plain-text content of a title, rich_text, select or url
// property. Missing or empty properties return "".
func (p Properties) Text(name string) string {
	v, ok := p.value(name)
	if !ok {
		return ""
	}
	switch v.Type {
	case "title":
		return joinRichText(v.Title)
	case "rich_text":
		return joinRichText(v.RichText)
	case "select":
		if v.Select != nil {
			return v.Select.Name
		}
	case "url":
		return v.URL
	}
	return ""
}

// Number returns a number property; ok is false when absent or not a number.
func (p Properties) Number(name string) (float64, bool) {
	v, found := p.value(name)
	if !found || v.Type != "number" || v.Number == nil {
		return 0, false
	}
	return *v.Number, true
}

// Checkbox returns a checkbox property, false when absent.
func (p Properties) Checkbox(name string) bool {
	v, ok := p.value(name)
	if !ok || v.Type != "checkbox" || v.Checkbox == nil {
		return false
	}
	return *v.Checkbox
}

// List returns the names of a multi_select, or relation ids.
func (p Properties) List(name string) []string {
	v, ok := p.value(name)
	if !ok {
		return nil
	}
	var out []string
	switch v.Type {
	case "multi_select":
		for _, s := range v.MultiSelect {
			out = append(out, s.Name)
		}
	case "relation":
		for _, r := range v.Relation {
			out = append(out, r.ID)
		}
	}
	return out
}

// Has reports whether the property exists with a non-empty value.
func (p Properties) Has(name string) bool {
	if s := p.Text(name); strings.TrimSpace(s) != "" {
		return true
	}
	if _, ok := p.Number(name); ok {
		return true
	}
	return len(p.List(name)) > 0
}

func joinRichText(parts []richText) string {
	if len(parts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return strings.TrimSpace(b.String())
}
