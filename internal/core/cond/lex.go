package cond

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokString
	tokIdent
	tokScope // ::
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of condition"
	}
	return fmt.Sprintf("%q", t.text)
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '"' || r == '\'':
			end := i + 1
			for end < len(rs) && rs[end] != r {
				end++
			}
			if end >= len(rs) {
				return nil, fmt.Errorf("cond: unterminated string at offset %d", i)
			}
			name := string(rs[i+1 : end])
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("cond: empty signal name at offset %d", i)
			}
			toks = append(toks, token{kind: tokString, text: name, pos: i})
			i = end + 1
		case r == ':' && i+1 < len(rs) && rs[i+1] == ':':
			toks = append(toks, token{kind: tokScope, text: "::", pos: i})
			i += 2
		case r == '&' && i+1 < len(rs) && rs[i+1] == '&':
			toks = append(toks, token{kind: tokAnd, text: "&&", pos: i})
			i += 2
		case r == '|' && i+1 < len(rs) && rs[i+1] == '|':
			toks = append(toks, token{kind: tokOr, text: "||", pos: i})
			i += 2
		case r == '!':
			toks = append(toks, token{kind: tokNot, text: "!", pos: i})
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case isIdentStart(r):
			end := i + 1
			for end < len(rs) && isIdentPart(rs[end]) {
				end++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i:end]), pos: i})
			i = end
		default:
			return nil, fmt.Errorf("cond: unexpected character %q at offset %d", r, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(rs)})
	return toks, nil
}
