// internal/mailer/template.go
package mailer

import (
	"html"
	"sort"
	"strings"
)

// defaultName stands in for a recipient without a name.
const defaultName = "friend"

// Personalization placeholders recognised in campaign bodies.
const (
	PlaceholderName  = "name"
	PlaceholderEmail = "email"
)

// RenderTemplate replaces every {key} in template with data[key] in a
// single pass, so substituted values are never expanded again.
func RenderTemplate(template string, data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// recipientData builds the placeholder values for one recipient. When
// escape is set the values are HTML-escaped for substitution into markup.
func recipientData(name, address string, escape bool) map[string]string {
	if strings.TrimSpace(name) == "" {
		name = defaultName
	}
	if escape {
		name = html.EscapeString(name)
		address = html.EscapeString(address)
	}
	return map[string]string{
		PlaceholderName:  name,
		PlaceholderEmail: address,
	}
}
