package provider

import (
	"regexp"
	"strings"
)

var sruWhitespace = regexp.MustCompile(`[\r\n\t]+`)

// escapeSRULiteral makes a string safe inside an SRU/CQL quoted phrase:
// backslashes and double quotes are escaped, line breaks and tabs
// collapse to spaces.
func escapeSRULiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return sruWhitespace.ReplaceAllString(s, " ")
}

// escapeSPARQLString makes a string safe inside a single-quoted SPARQL
// literal.
func escapeSPARQLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	r := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")
	return r.Replace(s)
}
