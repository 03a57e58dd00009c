package rest

import (
	"fmt"
	"net/url"
	"strings"
)

// Params preserves insertion order, per spec.md §4.3(c): "build query
// string in insertion order, omitting keys with undefined values."
type Params struct {
	keys   []string
	values map[string]string
}

func NewParams() *Params {
	return &Params{values: make(map[string]string)}
}

// Add appends key=value unless value is nil or an empty string; non-string
// values are formatted with fmt.Sprint.
func (p *Params) Add(key string, value any) *Params {
	if value == nil {
		return p
	}
	if s, ok := value.(string); ok && s == "" {
		return p
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = fmt.Sprint(value)
	return p
}

// Encode renders the query string in insertion order with URL-encoded values.
func (p *Params) Encode() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[k]))
	}
	return b.String()
}

func (p *Params) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}
