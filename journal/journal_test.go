package journal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/kvview/journal"
	"github.com/andreyvit/kvview/journal/journaltest"
)

const magic = "'JOURNLAT"
const header1 = "0/ver 0/pad 0_0/flags 0../pad"
const header2 = "0*32/journal_inv 0*32/seg_inv 0...*3/reserved"

func TestJournal_trivial(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("hello")))
	must(j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	must(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	deepEq(t, files, []string{"j000000000001-20240101T000000-0000000000000001.wal"})

	j.Eq(files[0], shdr("1.. 80_00_92_65 0...", "e984dc85563d5731"),
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
		"7d_33_a6_68_73_e0_8f_ee",
	)
}

func TestJournal_records(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("hello")))
	j.Advance(5 * time.Second)
	must(j.WriteRecord(0, nil))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("world")))
	ensure(j.Commit())

	var recs []journal.Record
	for rec, err := range j.Records() {
		ensure(err)
		recs = append(recs, rec)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, wanted 3", len(recs))
	}
	start := uint32(journaltest.Start.Unix())
	deepEq(t, recs[0].ID, uint64(1))
	deepEq(t, recs[0].Timestamp, start)
	deepEq(t, string(recs[0].Data), "hello")
	deepEq(t, recs[1].ID, uint64(2))
	deepEq(t, recs[1].Timestamp, start+5)
	deepEq(t, len(recs[1].Data), 0)
	deepEq(t, recs[2].ID, uint64(3))
	deepEq(t, recs[2].Pos, journal.Pos{Segment: 1, Offset: 128 + 2 + 5 + 2 + 0 + 8 + 2, Size: 5})
}

func TestJournal_uncommittedInvisible(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("b")))
	deepEq(t, j.Contents(), []string{"a"})
	ensure(j.Commit())
	deepEq(t, j.Contents(), []string{"a", "b"})
}

func TestJournal_recovery(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	must(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("c")))
	j.Reopen()

	deepEq(t, j.LastID(), uint64(2))
	deepEq(t, j.Contents(), []string{"a", "b"})
	deepEq(t, len(j.Data(j.FileNames()[0])), 128+2+1+2+1+8)

	must(j.WriteRecord(0, []byte("d")))
	ensure(j.Commit())
	deepEq(t, j.FileNames(), []string{
		"j000000000001-20240101T000000-0000000000000001.wal",
		"j000000000002-20240101T000000-0000000000000003.wal",
	})
	deepEq(t, j.Contents(), []string{"a", "b", "d"})
}

func TestJournal_recoveryDropsEmptySegment(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	j.Reopen()
	must(j.WriteRecord(0, []byte("b")))
	j.Reopen()

	deepEq(t, j.FileNames(), []string{"j000000000001-20240101T000000-0000000000000001.wal"})
	must(j.WriteRecord(0, []byte("c")))
	ensure(j.Commit())
	deepEq(t, j.FileNames(), []string{
		"j000000000001-20240101T000000-0000000000000001.wal",
		"j000000000002-20240101T000000-0000000000000002.wal",
	})
	deepEq(t, j.Contents(), []string{"a", "c"})
}

func TestJournal_corruptedCommit(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	name := j.FileNames()[0]
	data := j.Data(name)
	data[len(data)-1] ^= 0x80
	ensure(os.WriteFile(filepath.Join(j.Dir, name), data, 0o644))

	deepEq(t, j.Contents(), []string{"a"})

	j.Reopen()
	deepEq(t, len(j.Data(name)), 128+2+1+8)
	deepEq(t, j.LastID(), uint64(1))
}

func TestJournal_corruptedMiddleSegment(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 1})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	name := j.FileNames()[0]
	data := j.Data(name)
	data[len(data)-1] ^= 0x80
	ensure(os.WriteFile(filepath.Join(j.Dir, name), data, 0o644))

	var err error
	for _, err = range j.Records() {
		if err != nil {
			break
		}
	}
	if !errors.Is(err, journal.ErrCorrupted) {
		t.Errorf("** got %v, wanted ErrCorrupted", err)
	}
}

func TestJournal_corruptedHeaderDeleted(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	must(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.FinishWriting())
	j.Put("j000000000002-20240101T000000-0000000000000002.wal", "'garbage")

	j.Reopen()
	deepEq(t, j.FileNames(), []string{"j000000000001-20240101T000000-0000000000000001.wal"})
	deepEq(t, j.LastID(), uint64(1))
}

func TestJournal_rotation(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 200})
	big := strings.Repeat("x", 100)
	must(j.WriteRecord(0, []byte(big)))
	must(j.WriteRecord(0, []byte("y")))
	ensure(j.Commit())
	must(j.WriteRecord(0, []byte("z")))
	ensure(j.Commit())

	deepEq(t, j.FileNames(), []string{
		"j000000000001-20240101T000000-0000000000000001.wal",
		"j000000000002-20240101T000000-0000000000000003.wal",
	})
	deepEq(t, j.Contents(), []string{big, "y", "z"})
}

func TestJournal_readAt(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 140})
	p1 := must(j.WriteRecord(0, []byte("first")))
	ensure(j.Commit())
	p2 := must(j.WriteRecord(0, []byte("second")))
	ensure(j.Commit())

	deepEq(t, p1.Segment, uint32(1))
	deepEq(t, p2.Segment, uint32(2))
	deepEq(t, string(must(j.ReadAt(p1))), "first")
	deepEq(t, string(must(j.ReadAt(p2))), "second")

	_, err := j.ReadAt(journal.Pos{Segment: 9, Offset: 128, Size: 1})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("** got %v, wanted ErrNotExist", err)
	}
}

func TestJournal_sync(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Sync: true})
	must(j.WriteRecord(0, []byte("durable")))
	ensure(j.Commit())
	deepEq(t, j.Contents(), []string{"durable"})
}

func TestJournal_readOnly(t *testing.T) {
	j := journal.New(t.TempDir(), journal.Options{})
	_, err := j.WriteRecord(0, []byte("x"))
	if err != journal.ErrReadOnly {
		t.Errorf("** got %v, wanted ErrReadOnly", err)
	}
	for _, err := range j.Records() {
		t.Errorf("** unexpected element, err = %v", err)
	}
}

func shdr(inside, check string) string {
	return magic + " " + header1 + " " +
		inside + " " + header2 + " " + check
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
