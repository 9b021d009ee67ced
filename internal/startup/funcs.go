package startup

import (
	"strings"
	"text/template"
)

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"shquote": shquote,
		"default": defaultValue,
	}
}

// shquote wraps s in single quotes so the shell treats it literally.
func shquote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// defaultValue returns the value if it's not zero, otherwise returns the default
func defaultValue(defaultVal, value interface{}) interface{} {
	if value == nil {
		return defaultVal
	}
	switch v := value.(type) {
	case string:
		if v == "" {
			return defaultVal
		}
	case int:
		if v == 0 {
			return defaultVal
		}
	case []string:
		if len(v) == 0 {
			return defaultVal
		}
	}
	return value
}
