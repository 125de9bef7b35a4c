package po

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	moMagic       = 0x950412de
	moHeaderSize  = 28
	moTableRecord = 8
)

// CompileMO renders the translated entries of f as a GNU MO file. Fuzzy and
// untranslated entries are left out; the header is always written. Keys are
// sorted so the output depends only on the catalog's content.
func CompileMO(f *File) ([]byte, error) {
	type message struct {
		key, value string
	}

	header := ""
	if f.Header != nil {
		header = f.Header.Translation()
	}
	msgs := []message{{"", header}}
	seen := map[string]bool{"": true}

	for _, e := range f.Entries {
		if e.ID == "" {
			return nil, fmt.Errorf("po: entry with context %q has an empty msgid", e.Context)
		}
		if e.Fuzzy() || !e.Translated() {
			continue
		}
		if !e.Plural() && len(e.Str) != 1 {
			return nil, fmt.Errorf("po: entry %q has plural forms but no msgid_plural", e.ID)
		}
		key := e.Key()
		if seen[key] {
			return nil, fmt.Errorf("po: duplicate message %q", e.ID)
		}
		seen[key] = true

		for _, s := range append([]string{key, e.IDPlural}, e.Str...) {
			if strings.IndexByte(s, 0) >= 0 {
				return nil, fmt.Errorf("po: message %q contains a NUL byte", e.ID)
			}
		}
		if e.Plural() {
			key += "\x00" + e.IDPlural
		}
		msgs = append(msgs, message{key, strings.Join(e.Str, "\x00")})
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].key < msgs[j].key })

	n := uint32(len(msgs))
	origTable := uint32(moHeaderSize)
	transTable := origTable + n*moTableRecord
	data := transTable + n*moTableRecord

	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf.Write(b[:])
	}

	write(moMagic)
	write(0) // revision
	write(n)
	write(origTable)
	write(transTable)
	write(0) // hash table size
	write(data)

	offset := data
	for _, m := range msgs {
		write(uint32(len(m.key)))
		write(offset)
		offset += uint32(len(m.key)) + 1
	}
	for _, m := range msgs {
		write(uint32(len(m.value)))
		write(offset)
		offset += uint32(len(m.value)) + 1
	}
	for _, m := range msgs {
		buf.WriteString(m.key)
		buf.WriteByte(0)
	}
	for _, m := range msgs {
		buf.WriteString(m.value)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// Message is a decoded MO entry.
type Message struct {
	Context  string
	ID       string
	IDPlural string
	Str      []string
}

// DecodeMO reads a GNU MO file in either byte order. The header entry is
// returned with an empty ID.
func DecodeMO(data []byte) ([]Message, error) {
	if len(data) < moHeaderSize {
		return nil, errors.New("mo: file too short")
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(data) == moMagic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(data) == moMagic:
		order = binary.BigEndian
	default:
		return nil, errors.New("mo: bad magic number")
	}
	if rev := order.Uint32(data[4:]); rev>>16 != 0 {
		return nil, fmt.Errorf("mo: unsupported revision %d", rev)
	}

	n := order.Uint32(data[8:])
	origTable := order.Uint32(data[12:])
	transTable := order.Uint32(data[16:])
	if uint64(n)*2*moTableRecord > uint64(len(data)) {
		return nil, errors.New("mo: message count exceeds file size")
	}

	str := func(table, i uint32) (string, error) {
		rec := uint64(table) + uint64(i)*moTableRecord
		if rec+moTableRecord > uint64(len(data)) {
			return "", errors.New("mo: string table out of range")
		}
		length := uint64(order.Uint32(data[rec:]))
		offset := uint64(order.Uint32(data[rec+4:]))
		if offset+length > uint64(len(data)) {
			return "", errors.New("mo: string out of range")
		}
		return string(data[offset : offset+length]), nil
	}

	msgs := make([]Message, 0, n)
	for i := uint32(0); i < n; i++ {
		orig, err := str(origTable, i)
		if err != nil {
			return nil, err
		}
		trans, err := str(transTable, i)
		if err != nil {
			return nil, err
		}

		var m Message
		if ctx, id, ok := strings.Cut(orig, "\x04"); ok {
			m.Context, orig = ctx, id
		}
		m.ID, m.IDPlural, _ = strings.Cut(orig, "\x00")
		m.Str = strings.Split(trans, "\x00")
		msgs = append(msgs, m)
	}
	return msgs, nil
}
