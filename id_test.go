package kvview

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_text(t *testing.T) {
	id := ID{Writer: "\xde\xad\xbe\xef", Seq: 42}
	assert.Equal(t, "deadbeef@42", id.String())

	parsed, err := ParseID("deadbeef@42")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	data, err := json.Marshal(map[string]ID{"v": id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": "deadbeef@42"}`, string(data))

	var back map[string]ID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back["v"])
}

func TestParseID_invalid(t *testing.T) {
	for _, s := range []string{"", "@", "ab", "ab@", "@1", "zz@1", "abc@1", "ab@-1", "ab@x", "ab@1@"} {
		_, err := ParseID(s)
		assert.Error(t, err, "ParseID(%q)", s)
	}
}

func TestParseWriterID(t *testing.T) {
	w, err := ParseWriterID("00ff")
	require.NoError(t, err)
	assert.Equal(t, WriterID("\x00\xff"), w)
	assert.Equal(t, "00ff", w.String())

	_, err = ParseWriterID("")
	assert.Error(t, err)
	_, err = ParseWriterID("xyz")
	assert.Error(t, err)
}

func TestID_compare(t *testing.T) {
	assert.Equal(t, -1, ID{"\x01", 9}.Compare(ID{"\x02", 0}))
	assert.Equal(t, -1, ID{"\x01", 2}.Compare(ID{"\x01", 10}))
	assert.Equal(t, 0, ID{"\x01", 2}.Compare(ID{"\x01", 2}))
	assert.Equal(t, 1, ID{"\x01\x00", 0}.Compare(ID{"\x01", 5}))
}

func TestIDList(t *testing.T) {
	ids := []ID{{"\xaa", 0}, {"\xbb", 12}}
	data := formatIDList(ids)
	assert.Equal(t, "aa@0,bb@12", string(data))

	back, err := parseIDList(data)
	require.NoError(t, err)
	assert.Equal(t, ids, back)

	back, err = parseIDList(nil)
	require.NoError(t, err)
	assert.Nil(t, back)

	_, err = parseIDList([]byte("aa@0,,bb@1"))
	var de *DataError
	require.ErrorAs(t, err, &de)
}

func TestOp_string(t *testing.T) {
	op := Op{Key: "k", ID: ID{"\x01", 2}, Links: []ID{{"\x01", 1}, {"\x02", 0}}}
	assert.Equal(t, "k <- 01@2 links 01@1,02@0", op.String())
	assert.Equal(t, "k <- 01@2", Op{Key: "k", ID: ID{"\x01", 2}}.String())
}
