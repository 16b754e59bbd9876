package kvview

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// WriterID identifies one log (one writer). It holds raw bytes; the textual
// form is lowercase hex.
type WriterID string

func WriterIDFromBytes(b []byte) WriterID {
	return WriterID(b)
}

func ParseWriterID(s string) (WriterID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid writer id %q: %w", s, err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("invalid writer id %q: empty", s)
	}
	return WriterID(b), nil
}

func (w WriterID) Bytes() []byte {
	return []byte(w)
}

func (w WriterID) String() string {
	return hex.EncodeToString([]byte(w))
}

// ID references one entry of one log. Its text form is writer@seq, with the
// writer in hex.
type ID struct {
	Writer WriterID
	Seq    uint64
}

const idSep = '@'

func (id ID) IsZero() bool {
	return id.Writer == "" && id.Seq == 0
}

func (id ID) String() string {
	return string(id.AppendText(nil))
}

func (id ID) AppendText(buf []byte) []byte {
	buf = hex.AppendEncode(buf, []byte(id.Writer))
	buf = append(buf, idSep)
	return strconv.AppendUint(buf, id.Seq, 10)
}

// Compare orders ids by writer, then by seq.
func (id ID) Compare(b ID) int {
	if c := cmp.Compare(id.Writer, b.Writer); c != 0 {
		return c
	}
	return cmp.Compare(id.Seq, b.Seq)
}

func (id ID) MarshalText() ([]byte, error) {
	return id.AppendText(nil), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	v, err := parseIDBytes(text)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func ParseID(s string) (ID, error) {
	return parseIDBytes([]byte(s))
}

func MustParseID(s string) ID {
	return must(ParseID(s))
}

func parseIDBytes(text []byte) (ID, error) {
	i := bytes.LastIndexByte(text, idSep)
	if i <= 0 || i == len(text)-1 {
		return ID{}, fmt.Errorf("invalid id %q: want writer@seq", text)
	}
	w := make([]byte, hex.DecodedLen(i))
	if _, err := hex.Decode(w, text[:i]); err != nil {
		return ID{}, fmt.Errorf("invalid id %q: writer: %w", text, err)
	}
	seq, err := strconv.ParseUint(string(text[i+1:]), 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: seq: %w", text, err)
	}
	return ID{Writer: WriterID(w), Seq: seq}, nil
}

// formatIDList joins ids with commas, the persisted form of a key's heads.
func formatIDList(ids []ID) []byte {
	var buf []byte
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = id.AppendText(buf)
	}
	return buf
}

func parseIDList(data []byte) ([]ID, error) {
	if len(data) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(data), ",")
	ids := make([]ID, 0, len(parts))
	for i, p := range parts {
		id, err := ParseID(p)
		if err != nil {
			return nil, dataErrf(data, i, err, "invalid id list")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Entry is one immutable record of a log.
type Entry struct {
	Writer WriterID
	Seq    uint64
	Value  []byte
}

func (e Entry) ID() ID {
	return ID{Writer: e.Writer, Seq: e.Seq}
}

func (e Entry) String() string {
	return fmt.Sprintf("%v (%d bytes)", e.ID(), len(e.Value))
}

// Op is a single mapper output: id becomes a current value of key, retiring
// the ids it links to.
type Op struct {
	Key   string
	ID    ID
	Links []ID
}

func (op Op) String() string {
	var buf strings.Builder
	buf.WriteString(op.Key)
	buf.WriteString(" <- ")
	buf.WriteString(op.ID.String())
	if len(op.Links) > 0 {
		buf.WriteString(" links ")
		buf.Write(formatIDList(op.Links))
	}
	return buf.String()
}
