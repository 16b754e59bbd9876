package kvview

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Mapper projects an entry into index ops. It must be pure: mapping the same
// entry twice yields the same ops. No ops means the entry is ignored.
type Mapper interface {
	Map(ctx context.Context, e Entry) ([]Op, error)
}

type MapperFunc func(ctx context.Context, e Entry) ([]Op, error)

func (f MapperFunc) Map(ctx context.Context, e Entry) ([]Op, error) {
	return f(ctx, e)
}

// Document is the msgpack-encoded entry value understood by DocMapper.
// Other fields of the encoded value are ignored by the mapper.
type Document struct {
	ID    string   `msgpack:"id" json:"id"`
	Links []string `msgpack:"links,omitempty" json:"links,omitempty"`
}

func EncodeDocument(doc *Document) ([]byte, error) {
	return msgpack.Marshal(doc)
}

func DecodeDocument(data []byte) (*Document, error) {
	doc := new(Document)
	if err := msgpack.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DocMapper indexes msgpack documents by their id field, linking to the
// versions listed in their links field. Documents without an id are ignored.
func DocMapper() Mapper {
	return MapperFunc(func(ctx context.Context, e Entry) ([]Op, error) {
		doc, err := DecodeDocument(e.Value)
		if err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if doc.ID == "" {
			return nil, nil
		}
		links := make([]ID, 0, len(doc.Links))
		for _, s := range doc.Links {
			l, err := ParseID(s)
			if err != nil {
				return nil, fmt.Errorf("document %q: %w", doc.ID, err)
			}
			links = append(links, l)
		}
		return []Op{{Key: doc.ID, ID: e.ID(), Links: links}}, nil
	})
}

// ContentMapper indexes every entry under the hex SHA-256 of its value.
func ContentMapper() Mapper {
	return MapperFunc(func(ctx context.Context, e Entry) ([]Op, error) {
		sum := sha256.Sum256(e.Value)
		return []Op{{Key: hex.EncodeToString(sum[:]), ID: e.ID()}}, nil
	})
}
