package page

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// DefaultScriptMarkers identify the inline script that carries the login state.
var DefaultScriptMarkers = []string{"window._ID", "relayState"}

// ScriptVariables is the login state embedded in the password page.
type ScriptVariables struct {
	RelayState string
	HMAC       string
	Email      string
	CSRFToken  string
	ClientID   string
	PostAction string
}

// Validate checks the values that are needed to build the password submission URL.
func (v *ScriptVariables) Validate() error {
	if v.ClientID == "" {
		return &MissingClientConfigError{Field: "clientId"}
	}
	if v.PostAction == "" {
		return &MissingClientConfigError{Field: "postAction"}
	}
	return nil
}

// The inline script is JavaScript, not JSON: keys may be bare or quoted with
// either quote style and values use either quote style.
var (
	relayStatePattern = scriptValuePattern("relayState")
	hmacPattern       = scriptValuePattern("hmac")
	emailPattern      = scriptValuePattern("email")
	csrfPattern       = scriptValuePattern("csrf_token")
	clientIDPattern   = scriptValuePattern("clientId")
	postActionPattern = scriptValuePattern("postAction")
)

func scriptValuePattern(key string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`\b%s["']?\s*:\s*["']([^"']*)["']`, regexp.QuoteMeta(key)))
}

// ExtractScriptVars locates the first script block containing one of
// DefaultScriptMarkers and pulls the login variables out of it.
// A variable that cannot be found is left empty.
func ExtractScriptVars(body string) (*ScriptVariables, error) {
	return ExtractScriptVarsWithMarkers(body, DefaultScriptMarkers)
}

// ExtractScriptVarsWithMarkers is ExtractScriptVars with a custom marker list.
func ExtractScriptVarsWithMarkers(body string, markers []string) (*ScriptVariables, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	script, ok := findScript(doc, markers)
	if !ok {
		return nil, &ScriptNotFoundError{Markers: markers}
	}

	return &ScriptVariables{
		RelayState: firstCapture(relayStatePattern, script),
		HMAC:       firstCapture(hmacPattern, script),
		Email:      firstCapture(emailPattern, script),
		CSRFToken:  firstCapture(csrfPattern, script),
		ClientID:   firstCapture(clientIDPattern, script),
		PostAction: firstCapture(postActionPattern, script),
	}, nil
}

func findScript(doc *html.Node, markers []string) (string, bool) {
	var (
		text  string
		found bool
	)
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "script" {
			return true
		}
		content := textContent(n)
		for _, marker := range markers {
			if strings.Contains(content, marker) {
				text, found = content, true
				return false
			}
		}
		return true
	})
	return text, found
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func firstCapture(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) >= 2 {
		return m[1]
	}
	return ""
}
