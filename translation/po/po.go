// Package po reads and writes gettext PO/POT catalogs and compiles them to
// GNU MO files.
package po

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Entry is one message of a catalog.
type Entry struct {
	// Comments holds the raw comment lines (translator, extracted, reference
	// and flag comments) including their leading '#'.
	Comments []string
	Context  string
	ID       string
	IDPlural string
	// Str holds msgstr, or msgstr[0..n] for plural entries.
	Str []string
}

// Key identifies the entry inside a catalog.
func (e *Entry) Key() string {
	return Key(e.Context, e.ID)
}

// Key joins a context and msgid the way MO files do.
func Key(context, id string) string {
	if context == "" {
		return id
	}
	return context + "\x04" + id
}

// Plural reports whether the entry has plural forms.
func (e *Entry) Plural() bool { return e.IDPlural != "" }

// Fuzzy reports whether the entry carries the fuzzy flag.
func (e *Entry) Fuzzy() bool {
	for _, c := range e.Comments {
		if strings.HasPrefix(c, "#,") && strings.Contains(c, "fuzzy") {
			return true
		}
	}
	return false
}

// Translated reports whether every form has a translation.
func (e *Entry) Translated() bool {
	if len(e.Str) == 0 {
		return false
	}
	for _, s := range e.Str {
		if s == "" {
			return false
		}
	}
	return true
}

// Translation returns the first form, or "" when untranslated.
func (e *Entry) Translation() string {
	if len(e.Str) == 0 {
		return ""
	}
	return e.Str[0]
}

// File is a parsed catalog. The header is the entry with an empty msgid and
// is kept apart from the messages.
type File struct {
	Header  *Entry
	Entries []*Entry
}

// ParseError reports malformed input.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("po: line %d: %s", e.Line, e.Msg)
}

// Parse reads a PO or POT document. Obsolete (#~) entries are dropped.
func Parse(r io.Reader) (*File, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	f := &File{}
	var (
		cur    *Entry
		target *string
		seen   bool
		lineNo int
	)
	flush := func() {
		if cur == nil || !seen {
			cur, target, seen = nil, nil, false
			return
		}
		if cur.ID == "" && cur.Context == "" && f.Header == nil {
			f.Header = cur
		} else {
			f.Entries = append(f.Entries, cur)
		}
		cur, target, seen = nil, nil, false
	}
	entry := func() *Entry {
		if cur == nil {
			cur = &Entry{}
		}
		return cur
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		switch {
		case line == "":
			flush()
			continue
		case strings.HasPrefix(line, "#~"):
			continue
		case strings.HasPrefix(line, "#"):
			if seen {
				flush()
			}
			e := entry()
			e.Comments = append(e.Comments, line)
			continue
		case strings.HasPrefix(line, `"`):
			if target == nil {
				return nil, &ParseError{lineNo, "string continuation without keyword"}
			}
			s, err := unquote(line)
			if err != nil {
				return nil, &ParseError{lineNo, err.Error()}
			}
			*target += s
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		s, err := unquote(strings.TrimSpace(rest))
		if err != nil {
			return nil, &ParseError{lineNo, err.Error()}
		}

		switch {
		case keyword == "msgctxt":
			if seen {
				flush()
			}
			e := entry()
			e.Context = s
			target = &e.Context
		case keyword == "msgid":
			if seen && (cur.ID != "" || len(cur.Str) > 0) {
				flush()
			}
			e := entry()
			e.ID = s
			target = &e.ID
			seen = true
		case keyword == "msgid_plural":
			if !seen {
				return nil, &ParseError{lineNo, "msgid_plural before msgid"}
			}
			cur.IDPlural = s
			target = &cur.IDPlural
		case keyword == "msgstr":
			if !seen {
				return nil, &ParseError{lineNo, "msgstr before msgid"}
			}
			cur.Str = append(cur.Str[:0], s)
			target = &cur.Str[0]
		case strings.HasPrefix(keyword, "msgstr[") && strings.HasSuffix(keyword, "]"):
			if !seen {
				return nil, &ParseError{lineNo, "msgstr before msgid"}
			}
			n, err := strconv.Atoi(keyword[len("msgstr[") : len(keyword)-1])
			if err != nil || n != len(cur.Str) {
				return nil, &ParseError{lineNo, "plural forms out of order: " + keyword}
			}
			cur.Str = append(cur.Str, s)
			target = &cur.Str[n]
		default:
			return nil, &ParseError{lineNo, "unknown keyword " + strconv.Quote(keyword)}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return f, nil
}

// ParseBytes parses an in-memory catalog.
func ParseBytes(data []byte) (*File, error) {
	return Parse(bytes.NewReader(data))
}

// Lookup returns the entry for context and id, or nil.
func (f *File) Lookup(context, id string) *Entry {
	key := Key(context, id)
	for _, e := range f.Entries {
		if e.Key() == key {
			return e
		}
	}
	return nil
}

// Index maps every entry by Key.
func (f *File) Index() map[string]*Entry {
	idx := make(map[string]*Entry, len(f.Entries))
	for _, e := range f.Entries {
		idx[e.Key()] = e
	}
	return idx
}

// HeaderField returns a header field such as "Plural-Forms".
func (f *File) HeaderField(name string) string {
	if f.Header == nil {
		return ""
	}
	for _, line := range strings.Split(f.Header.Translation(), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SetHeaderField sets or appends a header field.
func (f *File) SetHeaderField(name, value string) {
	if f.Header == nil {
		f.Header = &Entry{Str: []string{""}}
	}
	if len(f.Header.Str) == 0 {
		f.Header.Str = []string{""}
	}
	lines := strings.Split(strings.TrimSuffix(f.Header.Str[0], "\n"), "\n")
	out := lines[:0]
	found := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		k, _, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			line = name + ": " + value
			found = true
		}
		out = append(out, line)
	}
	if !found {
		out = append(out, name+": "+value)
	}
	f.Header.Str[0] = strings.Join(out, "\n") + "\n"
}

// Write renders the catalog in PO syntax.
func (f *File) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if f.Header != nil {
		writeEntry(bw, f.Header)
	}
	for i, e := range f.Entries {
		if i > 0 || f.Header != nil {
			bw.WriteString("\n")
		}
		writeEntry(bw, e)
	}
	return bw.Flush()
}

// Bytes renders the catalog to memory.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	_ = f.Write(&buf)
	return buf.Bytes()
}

func writeEntry(w *bufio.Writer, e *Entry) {
	for _, c := range e.Comments {
		w.WriteString(c)
		w.WriteString("\n")
	}
	if e.Context != "" {
		writeString(w, "msgctxt", e.Context)
	}
	writeString(w, "msgid", e.ID)
	if e.Plural() {
		writeString(w, "msgid_plural", e.IDPlural)
		strs := e.Str
		if len(strs) == 0 {
			strs = []string{"", ""}
		}
		for i, s := range strs {
			writeString(w, fmt.Sprintf("msgstr[%d]", i), s)
		}
		return
	}
	writeString(w, "msgstr", e.Translation())
}

// writeString writes keyword and s, splitting s after each embedded newline
// the way gettext tools do.
func writeString(w *bufio.Writer, keyword, s string) {
	w.WriteString(keyword)
	if !strings.Contains(strings.TrimSuffix(s, "\n"), "\n") {
		w.WriteString(" " + quote(s) + "\n")
		return
	}
	w.WriteString(` ""` + "\n")
	for s != "" {
		i := strings.IndexByte(s, '\n')
		part := s
		if i >= 0 {
			part = s[:i+1]
		}
		w.WriteString(quote(part) + "\n")
		s = s[len(part):]
	}
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("expected quoted string, got %q", s)
	}
	s = s[1 : len(s)-1]
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("dangling escape")
		}
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '"', '\\', '\'', '?':
			b.WriteByte(s[i])
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
