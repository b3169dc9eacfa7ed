package broadcast

import (
	"net/url"
	"regexp"
	"strings"
)

var buttonToken = regexp.MustCompile(`\[button:([^:\]]+):([^\]\s]+)\]`)

// ExtractButtons removes every [button:<label>:<url>] token from text and
// returns the cleaned text with the parsed buttons in order of appearance.
// Tokens whose URL is not http(s) are dropped from the text but produce no
// button.
func ExtractButtons(text string) (string, []Button) {
	var buttons []Button
	clean := buttonToken.ReplaceAllStringFunc(text, func(tok string) string {
		m := buttonToken.FindStringSubmatch(tok)
		label := strings.TrimSpace(m[1])
		raw := strings.TrimSpace(m[2])
		if label != "" && validButtonURL(raw) {
			buttons = append(buttons, Button{Label: label, URL: raw})
		}
		return ""
	})
	return tidy(clean), buttons
}

func validButtonURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// tidy trims lines emptied by token removal and collapses blank runs.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.TrimRight(ln, " \t")
		if strings.TrimSpace(ln) == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
