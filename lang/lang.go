// Package lang renders counts and lists in the human readable lines sessions
// report back to operators.
package lang

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gertd/go-pluralize"
)

var (
	plurals = pluralize.NewClient()
)

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

type Tense int

const (
	NoTense Tense = iota
	Present
	Past
)

// Enumerator joins words into an English list, "a, b, and c".
type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
	Tense     Tense
}

func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	res := &bytes.Buffer{}
	for idx, element := range elements {
		switch {
		case idx+2 < len(elements):
			fmt.Fprintf(res, pattern, element)
			fmt.Fprintf(res, "%s ", separator)
		case idx+1 < len(elements) && len(elements) > 2:
			fmt.Fprintf(res, pattern, element)
			fmt.Fprintf(res, "%s %s ", separator, operator)
		case idx+1 < len(elements):
			fmt.Fprintf(res, pattern, element)
			fmt.Fprintf(res, " %s ", operator)
		default:
			fmt.Fprintf(res, pattern, element)
		}
	}
	switch e.Tense {
	case Present:
		if len(elements) > 1 {
			res.WriteString(" are")
		} else {
			res.WriteString(" is")
		}
	case Past:
		if len(elements) > 1 {
			res.WriteString(" were")
		} else {
			res.WriteString(" was")
		}
	}
	return res.String()
}

func Plural(word string) string {
	return plurals.Plural(word)
}

func Singular(word string) string {
	return plurals.Singular(word)
}

// Count renders "1 block", "12 blocks".
func Count(n int, word string) string {
	return plurals.Pluralize(word, n, true)
}

func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

var (
	smallNumbers = map[int]string{2: "two", 3: "three"}
	anExceptions = []string{"hour", "honest", "heir", "8", "11", "18"}
	aExceptions  = []string{"uni", "one", "once", "use", "eu"}
)

// Article returns "a" or "an" for word.
func Article(word string) string {
	lower := strings.ToLower(word)
	for _, prefix := range anExceptions {
		if strings.HasPrefix(lower, prefix) {
			return "an"
		}
	}
	for _, prefix := range aExceptions {
		if strings.HasPrefix(lower, prefix) {
			return "a"
		}
	}
	if lower != "" && strings.ContainsRune("aeiou", rune(lower[0])) {
		return "an"
	}
	return "a"
}

func Indef(word string) string {
	return fmt.Sprintf("%s %s", Article(word), word)
}

// Card renders small counts in words: "no swords", "a sword", "two swords",
// "4 swords".
func Card(n int, word string) string {
	switch {
	case n == 0:
		return "no " + Plural(word)
	case n == 1:
		return Indef(word)
	}
	if s, found := smallNumbers[n]; found {
		return fmt.Sprintf("%s %s", s, Plural(word))
	}
	return fmt.Sprintf("%d %s", n, Plural(word))
}
