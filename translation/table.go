package translation

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/everydev1618/shopkeep"
)

// Columns is the fixed column order of the exchange table.
var Columns = []string{"string_id", "context", "source_text", "translated_text"}

var bom = []byte{0xEF, 0xBB, 0xBF}

// Row is one line of the exchange table.
type Row struct {
	StringID   string
	Context    string
	Source     string
	Translated string
	// Line is the 1-based line of the row in a parsed document.
	Line int
}

// WriteTable renders rows as UTF-8 CSV with a byte order mark, so spreadsheet
// tools detect the encoding. Newlines, carriage returns and tabs inside cells
// are written as backslash escapes to keep one row per line. Cells a
// spreadsheet would evaluate as a formula are prefixed with an apostrophe,
// which ReadTable strips again.
func WriteTable(w io.Writer, rows []Row) error {
	if _, err := w.Write(bom); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{encodeCell(r.StringID), encodeCell(r.Context), encodeCell(r.Source), encodeCell(r.Translated)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTable parses an exchange table. Column names are matched
// case-insensitively and may come in any order; string_id and
// translated_text are required. Malformed input, including cells that are
// not valid UTF-8, is a shopkeep.ErrValidation.
func ReadTable(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, bom)

	cr := csv.NewReader(bufio.NewReader(bytes.NewReader(data)))
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalid("empty document")
		}
		return nil, invalid(err.Error())
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var missing []string
	for _, col := range []string{"string_id", "translated_text"} {
		if _, ok := idx[col]; !ok {
			missing = append(missing, "missing column "+col)
		}
	}
	if len(missing) > 0 {
		return nil, invalid("bad header", missing...)
	}
	cell := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return decodeCell(rec[i])
	}

	var rows []Row
	var badEncoding []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalid(err.Error())
		}
		line, _ := cr.FieldPos(0)
		if i := invalidCell(rec); i >= 0 {
			col := fmt.Sprintf("column %d", i+1)
			if i < len(header) {
				col = strings.TrimSpace(header[i])
			}
			badEncoding = append(badEncoding, fmt.Sprintf("line %d: %s is not valid UTF-8", line, col))
			continue
		}
		row := Row{
			StringID:   strings.TrimSpace(cell(rec, "string_id")),
			Context:    cell(rec, "context"),
			Source:     cell(rec, "source_text"),
			Translated: cell(rec, "translated_text"),
			Line:       line,
		}
		if row.StringID == "" && row.Translated == "" {
			continue
		}
		rows = append(rows, row)
	}
	if len(badEncoding) > 0 {
		return nil, invalid("table is not UTF-8 encoded", badEncoding...)
	}
	return rows, nil
}

// invalidCell returns the index of the first cell that is not valid UTF-8,
// or -1.
func invalidCell(rec []string) int {
	for i, c := range rec {
		if !utf8.ValidString(c) {
			return i
		}
	}
	return -1
}

func invalid(msg string, details ...string) error {
	return shopkeep.NewError(shopkeep.ErrValidation, "read table", "", errors.New(msg), details...)
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func escape(s string) string { return escaper.Replace(s) }

func encodeCell(s string) string { return guard(escape(s)) }

func decodeCell(s string) string { return unescape(unguard(s)) }

// needsGuard reports whether a spreadsheet would read s as a formula, or s
// already starts with the guard in front of one.
func needsGuard(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '=', '+', '-', '@':
		return true
	case '\'':
		return needsGuard(s[1:])
	}
	return false
}

func guard(s string) string {
	if needsGuard(s) {
		return "'" + s
	}
	return s
}

func unguard(s string) string {
	if strings.HasPrefix(s, "'") && needsGuard(s[1:]) {
		return s[1:]
	}
	return s
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}

// rowError names a rejected row for validation details.
func rowError(r Row, format string, args ...any) string {
	return fmt.Sprintf("line %d: %s", r.Line, fmt.Sprintf(format, args...))
}
