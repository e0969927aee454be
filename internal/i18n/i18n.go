package i18n

import "strings"

// DefaultLanguage is used when a user has no stored language preference and
// the configuration does not override it.
const DefaultLanguage = "en"

// Message is a translatable message key plus substitution variables.
// Keys address the catalog as "section.name", e.g. "errors.room_not_empty".
type Message struct {
	Key  string
	Vars map[string]string
}

// T creates a Message for the given catalog key.
func T(key string) Message {
	return Message{Key: key}
}

// With returns a copy of the message with an additional substitution variable.
func (m Message) With(name, value string) Message {
	vars := make(map[string]string, len(m.Vars)+1)
	for k, v := range m.Vars {
		vars[k] = v
	}
	vars[name] = value
	return Message{Key: m.Key, Vars: vars}
}

// Localize resolves the message in the given language, falling back to the
// default language and finally to the raw key so that a missing translation
// never swallows an error message.
func (m Message) Localize(language string) string {
	catalog, ok := catalogs[language]
	if !ok {
		catalog = catalogs[DefaultLanguage]
	}
	template, ok := catalog[m.Key]
	if !ok {
		template, ok = catalogs[DefaultLanguage][m.Key]
		if !ok {
			return m.Key
		}
	}
	for name, value := range m.Vars {
		template = strings.ReplaceAll(template, "${"+name+"}", value)
	}
	return template
}
