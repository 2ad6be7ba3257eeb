package provider

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Minimal node helpers over x/net/html for the connectors that scrape
// catalogue pages (HathiTrust, Anna's Archive, the British Library
// viewer fallback).

// parseHTML parses a document leniently; scrape targets are rarely
// well-formed.
func parseHTML(s string) *html.Node {
	n, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil
	}
	return n
}

// findAll returns every element node matching any of the given tags,
// in document order.
func findAll(n *html.Node, tags ...string) []*html.Node {
	var out []*html.Node
	if n == nil {
		return out
	}
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			for _, t := range tags {
				if node.Data == t {
					out = append(out, node)
					break
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// findFirst returns the first element matching any of the given tags,
// or nil.
func findFirst(n *html.Node, tags ...string) *html.Node {
	all := findAll(n, tags...)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func attrVal(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasClass reports whether the node's class attribute contains the
// given token.
func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

var htmlSpaceRe = regexp.MustCompile(`\s+`)

// nodeText returns the node's text content with whitespace runs
// collapsed to single spaces.
func nodeText(n *html.Node) string {
	return nodeTextSep(n, " ")
}

// nodeTextSep joins the node's text fragments with sep before
// collapsing whitespace inside each fragment.
func nodeTextSep(n *html.Node, sep string) string {
	if n == nil {
		return ""
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			if t := strings.TrimSpace(htmlSpaceRe.ReplaceAllString(node.Data, " ")); t != "" {
				parts = append(parts, t)
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, sep)
}

// scriptText returns the raw text of a script element.
func scriptText(n *html.Node) string {
	if n == nil || n.FirstChild == nil {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
