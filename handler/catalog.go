package handler

import "strings"

// MessageKey identifies a localized message written to CRM leads.
type MessageKey string

const MessagePassportPrompt MessageKey = "passport_prompt"

// DefaultLanguage is used for sessions without a known language.
const DefaultLanguage = "EN"

var catalog = map[MessageKey]map[string]string{
	MessagePassportPrompt: {
		"EN": "Please enter your passport number",
		"ID": "Silakan masukkan nomor paspor Anda",
	},
}

// Localize returns the text of key in language, falling back to
// DefaultLanguage for unknown languages. Returns "" for unknown keys.
func Localize(key MessageKey, language string) string {
	texts := catalog[key]
	if s, ok := texts[strings.ToUpper(strings.TrimSpace(language))]; ok {
		return s
	}
	return texts[DefaultLanguage]
}
