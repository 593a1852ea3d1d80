package hls

import "strings"

// ParseAttributes splits an attribute list (KEY=VALUE,KEY="a,b") into a map.
// Quoted values keep embedded commas and lose their quotes. Keys are upper-cased.
func ParseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToUpper(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
			if i := strings.IndexByte(s, ','); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
		} else if i := strings.IndexByte(s, ','); i >= 0 {
			value, s = s[:i], s[i+1:]
		} else {
			value, s = s, ""
		}

		if key != "" {
			attrs[key] = strings.TrimSpace(value)
		}
	}
	return attrs
}
