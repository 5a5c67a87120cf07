package dom

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPointer is returned for pointer strings that violate RFC 6901.
var ErrInvalidPointer = errors.New("dom: invalid pointer")

// ErrPathNotFound is returned when a pointer does not resolve in a document.
var ErrPathNotFound = errors.New("dom: path not found")

// Pointer is a parsed document pointer. The empty pointer addresses the root.
type Pointer []string

// ParsePointer parses the "/segment/segment" syntax. The empty string is the
// root pointer.
func ParsePointer(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidPointer, s)
	}
	parts := strings.Split(s[1:], "/")
	out := make(Pointer, len(parts))
	for i, part := range parts {
		tok, err := unescapeToken(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPointer, s, err)
		}
		out[i] = tok
	}
	return out, nil
}

// MustParsePointer parses a pointer literal and panics when it is invalid.
func MustParsePointer(s string) Pointer {
	p, err := ParsePointer(s)
	if err != nil {
		panic(err)
	}
	return p
}

// NewPointer builds a pointer from unescaped tokens.
func NewPointer(tokens ...string) Pointer {
	out := make(Pointer, len(tokens))
	copy(out, tokens)
	return out
}

// String renders the pointer in its escaped textual form.
func (p Pointer) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tok := range p {
		b.WriteByte('/')
		b.WriteString(EscapeToken(tok))
	}
	return b.String()
}

// IsRoot reports whether p addresses the document root.
func (p Pointer) IsRoot() bool { return len(p) == 0 }

// Append returns a new pointer with tokens appended.
func (p Pointer) Append(tokens ...string) Pointer {
	out := make(Pointer, 0, len(p)+len(tokens))
	out = append(out, p...)
	return append(out, tokens...)
}

// AppendIndex returns a new pointer addressing array index i below p.
func (p Pointer) AppendIndex(i int) Pointer {
	return p.Append(strconv.Itoa(i))
}

// Prefix returns prefix joined with p.
func (p Pointer) Prefix(prefix Pointer) Pointer {
	return prefix.Append(p...)
}

// Parent returns the pointer without its last token and that token.
func (p Pointer) Parent() (Pointer, string) {
	if len(p) == 0 {
		return nil, ""
	}
	return p[:len(p)-1], p[len(p)-1]
}

// HasPrefix reports whether every token of prefix leads p.
func (p Pointer) HasPrefix(prefix Pointer) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether one pointer addresses a location inside (or equal
// to) the other.
func (p Pointer) Overlaps(other Pointer) bool {
	return p.HasPrefix(other) || other.HasPrefix(p)
}

// Equal reports token-wise equality.
func (p Pointer) Equal(other Pointer) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// Get resolves p against doc.
func (p Pointer) Get(doc Value) (Value, error) {
	cur := doc
	for i, tok := range p {
		switch node := cur.(type) {
		case map[string]any:
			child, ok := node[tok]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p[:i+1])
			}
			cur = child
		case []any:
			idx, err := ArrayIndex(tok, len(node))
			if err != nil || idx >= len(node) {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p[:i+1])
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%w: %s crosses %s", ErrPathNotFound, p[:i+1], KindOf(cur))
		}
	}
	return cur, nil
}

// Has reports whether p resolves in doc.
func (p Pointer) Has(doc Value) bool {
	_, err := p.Get(doc)
	return err == nil
}

// ArrayIndex parses an array index token. Indices are decimal without
// leading zeros. The index may equal length (one past the end); callers
// decide whether that is acceptable.
func ArrayIndex(tok string, length int) (int, error) {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPointer, tok)
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPointer, tok)
		}
	}
	idx, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPointer, tok)
	}
	if idx > length {
		return 0, fmt.Errorf("%w: index %d out of range (len %d)", ErrPathNotFound, idx, length)
	}
	return idx, nil
}

// EscapeToken applies RFC 6901 escaping ("~" -> "~0", "/" -> "~1").
func EscapeToken(tok string) string {
	if !strings.ContainsAny(tok, "~/") {
		return tok
	}
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}

func unescapeToken(tok string) (string, error) {
	if !strings.Contains(tok, "~") {
		return tok, nil
	}
	var b strings.Builder
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '~' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(tok) {
			return "", errors.New("dangling '~'")
		}
		switch tok[i+1] {
		case '0':
			b.WriteByte('~')
		case '1':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("bad escape '~%c'", tok[i+1])
		}
		i++
	}
	return b.String(), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Pointer) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pointer) UnmarshalText(text []byte) error {
	parsed, err := ParsePointer(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
