package util

import "strings"

// Interpolate replaces {{key}} placeholders in template with values from
// vars. The spaced form {{ key }} is accepted as well; unknown placeholders
// are left untouched.
func Interpolate(template string, vars map[string]string) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	result := template
	for key, value := range vars {
		for _, ph := range []string{"{{" + key + "}}", "{{ " + key + " }}"} {
			result = strings.ReplaceAll(result, ph, value)
		}
	}
	return result
}
