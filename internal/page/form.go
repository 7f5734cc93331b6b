// Package page scrapes the identity provider's login pages.
// It never executes scripts; everything is extracted from the raw HTML text.
package page

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Field is a single form input as it would be submitted by a browser.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered form field set. Order is document order and duplicate
// names are kept, matching what a browser posts.
type Fields []Field

// Set overwrites the value of the first field with the given name, keeping its position.
// Returns false if no such field exists.
func (f Fields) Set(name, value string) bool {
	for i := range f {
		if f[i].Name == name {
			f[i].Value = value
			return true
		}
	}
	return false
}

// Get returns the value of the first field with the given name.
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Encode renders the fields as an application/x-www-form-urlencoded body.
// Unlike url.Values.Encode it does not sort keys.
func (f Fields) Encode() string {
	var b strings.Builder
	for i, field := range f {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(field.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(field.Value))
	}
	return b.String()
}

// Form is the result of scraping an HTML form.
type Form struct {
	Action string
	Fields Fields
}

// ExtractForm finds the element with the given id and collects the name/value
// of every <input> below it in document order.
func ExtractForm(body, formID string) (*Form, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	node := findByID(doc, formID)
	if node == nil {
		return nil, &FormNotFoundError{FormID: formID}
	}

	action := attr(node, "action")
	if action == "" {
		return nil, &MissingActionError{FormID: formID}
	}

	form := &Form{Action: action, Fields: Fields{}}
	walk(node, func(n *html.Node) bool {
		if n != node && n.Type == html.ElementNode && n.Data == "input" {
			form.Fields = append(form.Fields, Field{
				Name:  attr(n, "name"),
				Value: attr(n, "value"),
			})
		}
		return true
	})

	return form, nil
}

func findByID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// walk visits n and its descendants depth-first in document order until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
