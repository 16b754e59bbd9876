// Package journaltest runs journals in temporary directories under a fake
// clock and compares segment files against compact byte notation.
package journaltest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/kvview/journal"
)

// Start is the fake clock reading of every new TestJournal.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	opts journal.Options
	now  time.Time
}

// Writable creates a journal in a fresh temp dir, ready for writing. It is
// closed when the test ends.
func Writable(t testing.TB, o journal.Options) *TestJournal {
	j := &TestJournal{T: t, Dir: t.TempDir(), now: Start}
	j.open(o)
	t.Cleanup(func() {
		assert.NoError(t, j.Close())
	})
	return j
}

func (j *TestJournal) open(o journal.Options) {
	j.T.Helper()
	j.opts = o
	o.FileName = "j*.wal"
	o.Now = func() time.Time { return j.now }
	o.Logger = slog.New(slog.NewTextHandler(testLog{j.T}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true

	j.Journal = journal.New(j.Dir, o)
	require.NoError(j.T, j.StartWriting())
}

// Reopen closes the journal and opens the same directory again, as a
// restarted process would.
func (j *TestJournal) Reopen() {
	j.T.Helper()
	require.NoError(j.T, j.Journal.Close())
	j.open(j.opts)
}

// Contents reads back all committed records as strings.
func (j *TestJournal) Contents() []string {
	j.T.Helper()
	var result []string
	for rec, err := range j.Records() {
		require.NoError(j.T, err)
		result = append(result, string(rec.Data))
	}
	return result
}

// Eq asserts that the file holds exactly the bytes described by specs (see
// Expand).
func (j *TestJournal) Eq(fileName string, specs ...string) {
	j.T.Helper()
	BytesEq(j.T, j.Data(fileName), Expand(specs...))
}

// Put writes a file described by specs into the journal directory.
func (j *TestJournal) Put(fileName string, specs ...string) {
	j.T.Helper()
	require.NoError(j.T, os.WriteFile(filepath.Join(j.Dir, fileName), Expand(specs...), 0o644))
}

// Data returns the contents of a file, nil if it does not exist.
func (j *TestJournal) Data(fileName string) []byte {
	j.T.Helper()
	b, err := os.ReadFile(filepath.Join(j.Dir, fileName))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(j.T, err)
	return b
}

func (j *TestJournal) Advance(d time.Duration) {
	j.now = j.now.Add(d)
}

func (j *TestJournal) FileNames() []string {
	j.T.Helper()
	ents, err := os.ReadDir(j.Dir)
	require.NoError(j.T, err)
	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

type testLog struct{ t testing.TB }

func (l testLog) Write(buf []byte) (int, error) {
	l.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// BytesEq compares two byte strings, reporting a mismatch as hex dumps.
func BytesEq(t testing.TB, actual, expected []byte) bool {
	t.Helper()
	return assert.Equal(t, hex.Dump(expected), hex.Dump(actual))
}

// Expand turns a compact notation into bytes. Specs are split into
// whitespace-separated elements:
//
//	aa_b_c   hex bytes aa 0b 0c; underscores separate bytes
//	'text    literal text
//	#300     uvarint of a decimal number
//	1..2     1, zero padding to 4 bytes, then 2
//	1...2    same, padded to 8 bytes
//	X*3      X repeated three times
//	X/note   X; everything after the slash is a comment
func Expand(specs ...string) []byte {
	var out []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			b, err := expandElem(elem)
			if err != nil {
				panic(fmt.Sprintf("journaltest: element %q: %v", elem, err))
			}
			out = append(out, b...)
		}
	}
	return out
}

func expandElem(elem string) ([]byte, error) {
	elem, _, _ = strings.Cut(elem, "/")
	if elem == "" {
		return nil, nil
	}
	elem, repStr, hasRep := strings.Cut(elem, "*")
	rep := 1
	if hasRep {
		var err error
		if rep, err = strconv.Atoi(repStr); err != nil {
			return nil, fmt.Errorf("bad repeat count %q", repStr)
		}
	}

	width := 0
	left, right, ok := strings.Cut(elem, "...")
	if ok {
		width = 8
	} else if left, right, ok = strings.Cut(elem, ".."); ok {
		width = 4
	}
	lb, err := expandAtom(left)
	if err != nil {
		return nil, err
	}
	rb, err := expandAtom(right)
	if err != nil {
		return nil, err
	}
	one := lb
	if pad := width - len(lb) - len(rb); pad > 0 {
		one = append(one, make([]byte, pad)...)
	}
	one = append(one, rb...)
	return slices.Repeat(one, rep), nil
}

func expandAtom(s string) ([]byte, error) {
	if text, ok := strings.CutPrefix(s, "'"); ok {
		return []byte(text), nil
	}
	if dec, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseUint(dec, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(nil, v), nil
	}
	// underscores separate bytes, so a lone nibble before one is a byte
	var out []byte
	for _, chunk := range strings.Split(s, "_") {
		if n := len(chunk); n%2 != 0 {
			chunk = chunk[:n-1] + "0" + chunk[n-1:]
		}
		b, err := hex.DecodeString(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
