package protocol

import (
	"bytes"
	"strings"
)

// MaxFieldSize is the per-field byte cap of the protocol. Quoted strings may
// hold up to four times this before the tokenizer rejects them.
const MaxFieldSize = 256

// MaxQuotedSize is the longest quoted string body, escapes included. Job
// input limits above it can never be reached over the wire.
const MaxQuotedSize = MaxFieldSize * 4

// TokenType classifies a token.
type TokenType int

const (
	TokNone    TokenType = iota // end of input
	TokError                    // malformed input
	TokID                       // bare identifier
	TokStr                      // "quoted string"
	TokInt                      // integer
	TokKeyNone                  // key=bare
	TokKeyStr                   // key="quoted"
	TokKeyInt                   // key=123
)

var tokenNames = [...]string{"none", "error", "id", "str", "int", "key=id", "key=str", "key=int"}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "unknown"
}

// IsKey reports whether t is one of the key=value variants.
func (t TokenType) IsKey() bool {
	return t == TokKeyNone || t == TokKeyStr || t == TokKeyInt
}

// Token is a typed span of the request line.
//
// For TokStr the value excludes both quotes. For TokKeyStr the value runs from
// the key up to and including the closing quote; GetValue strips it.
type Token struct {
	Type  TokenType
	Value []byte
}

// Tokenizer splits a request line into tokens.
type Tokenizer struct {
	buf []byte
	pos int
}

// NewTokenizer returns a tokenizer positioned at the start of line.
func NewTokenizer(line []byte) *Tokenizer {
	return &Tokenizer{buf: line}
}

// Rest returns the unread part of the line.
func (t *Tokenizer) Rest() []byte {
	return t.buf[t.pos:]
}

// Next returns the next token. End of input yields TokNone; an unterminated
// or oversized quoted string yields TokError.
func (t *Tokenizer) Next() Token {
	for t.pos < len(t.buf) && isBlank(t.buf[t.pos]) {
		t.pos++
	}
	if t.pos >= len(t.buf) {
		return Token{Type: TokNone}
	}

	if t.buf[t.pos] == '"' {
		end, ok := closingQuote(t.buf, t.pos+1)
		if !ok || end-(t.pos+1) > MaxQuotedSize {
			t.pos = len(t.buf)
			return Token{Type: TokError}
		}
		tok := Token{Type: TokStr, Value: t.buf[t.pos+1 : end]}
		t.pos = end + 1
		return tok
	}

	start := t.pos
	typ := TokID
	if c := t.buf[start]; isDigit(c) || c == '-' {
		typ = TokInt
	}
	for t.pos < len(t.buf) && !isBlank(t.buf[t.pos]) {
		c := t.buf[t.pos]
		switch {
		case c == '\\':
			t.pos += 2
			typ = demoteInt(typ)
			continue
		case c == '=':
			return t.keyToken(start)
		case typ == TokInt && !isDigit(c) && !(c == '-' && t.pos == start):
			typ = TokID
		}
		t.pos++
	}
	if t.pos > len(t.buf) {
		t.pos = len(t.buf)
	}
	value := t.buf[start:t.pos]
	if typ == TokInt && len(value) == 1 && value[0] == '-' {
		typ = TokID
	}
	return Token{Type: typ, Value: value}
}

// keyToken finishes a key=value token; t.pos is at the '='.
func (t *Tokenizer) keyToken(start int) Token {
	t.pos++
	if t.pos < len(t.buf) && t.buf[t.pos] == '"' {
		end, ok := closingQuote(t.buf, t.pos+1)
		if !ok || end-(t.pos+1) > MaxQuotedSize {
			t.pos = len(t.buf)
			return Token{Type: TokError}
		}
		t.pos = end + 1
		return Token{Type: TokKeyStr, Value: t.buf[start:t.pos]}
	}

	valStart := t.pos
	typ := TokKeyNone
	if t.pos < len(t.buf) && (isDigit(t.buf[t.pos]) || t.buf[t.pos] == '-') {
		typ = TokKeyInt
	}
	for t.pos < len(t.buf) && !isBlank(t.buf[t.pos]) {
		c := t.buf[t.pos]
		if typ == TokKeyInt && !isDigit(c) && !(c == '-' && t.pos == valStart) {
			typ = TokKeyNone
		}
		t.pos++
	}
	if typ == TokKeyInt && t.pos-valStart == 1 && t.buf[valStart] == '-' {
		typ = TokKeyNone
	}
	return Token{Type: typ, Value: t.buf[start:t.pos]}
}

// GetValue splits a token into key and value. Non-key tokens have an empty
// key. Quoted values are unescaped.
func GetValue(tok Token) (key, value string) {
	switch tok.Type {
	case TokStr:
		return "", Unescape(tok.Value)
	case TokKeyNone, TokKeyInt, TokKeyStr:
		i := bytes.IndexByte(tok.Value, '=')
		if i < 0 {
			return string(tok.Value), ""
		}
		key = string(tok.Value[:i])
		raw := tok.Value[i+1:]
		if tok.Type == TokKeyStr {
			// value still carries the opening and the closing quote
			if len(raw) >= 2 {
				raw = raw[1 : len(raw)-1]
			}
			return key, Unescape(raw)
		}
		return key, string(raw)
	default:
		return "", string(tok.Value)
	}
}

// Unescape reverses Escape.
func Unescape(b []byte) string {
	if bytes.IndexByte(b, '\\') < 0 {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\\' || i+1 == len(b) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch b[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '"', '\\':
			sb.WriteByte(b[i])
		default:
			sb.WriteByte('\\')
			sb.WriteByte(b[i])
		}
	}
	return sb.String()
}

// Escape makes s safe to embed in a quoted protocol field.
func Escape(s string) string {
	if !strings.ContainsAny(s, "\\\"\n\r\t") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Quote returns s escaped and wrapped in double quotes.
func Quote(s string) string {
	return `"` + Escape(s) + `"`
}

// closingQuote finds the index of the first unescaped '"' at or after from.
func closingQuote(b []byte, from int) (int, bool) {
	for i := from; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '"':
			return i, true
		}
	}
	return 0, false
}

func demoteInt(t TokenType) TokenType {
	if t == TokInt {
		return TokID
	}
	return t
}

func isBlank(c byte) bool { return c == ' ' || c == '\t' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
