package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/postings"
)

type norms struct {
	docs  *roaring.Bitmap
	norms []byte
}

// Reader provides read access to a finished segment file.
type Reader struct {
	path   string
	f      *os.File
	header Header
	dict   []DictEntry
	meta   Meta
	norms  map[string]norms
}

// OpenReader opens the segment at path and verifies its checksum.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}
	r := &Reader{path: path, f: f, norms: make(map[string]norms)}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	hb := make([]byte, HeaderSize)
	if _, err := r.f.ReadAt(hb, 0); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	header, err := decodeHeader(hb)
	if err != nil {
		return err
	}
	r.header = header

	dictData := make([]byte, header.DictSize)
	if _, err := r.f.ReadAt(dictData, header.DictOffset); err != nil {
		return fmt.Errorf("reading dictionary: %w", err)
	}
	metaData := make([]byte, header.MetaSize)
	if _, err := r.f.ReadAt(metaData, header.MetaOffset); err != nil {
		return fmt.Errorf("reading meta: %w", err)
	}
	footer := make([]byte, FooterSize)
	if _, err := r.f.ReadAt(footer, header.MetaOffset+header.MetaSize); err != nil {
		return fmt.Errorf("reading footer: %w", err)
	}
	checksum := crc32.NewIEEE()
	checksum.Write(dictData)
	checksum.Write(metaData)
	if got, want := checksum.Sum32(), binary.LittleEndian.Uint32(footer[0:4]); got != want {
		return fmt.Errorf("segment %s: checksum mismatch (got %08x, want %08x)", r.path, got, want)
	}

	if err := json.Unmarshal(dictData, &r.dict); err != nil {
		return fmt.Errorf("decoding dictionary: %w", err)
	}
	if err := json.Unmarshal(metaData, &r.meta); err != nil {
		return fmt.Errorf("decoding meta: %w", err)
	}
	for _, ne := range r.meta.Norms {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(ne.Docs); err != nil {
			return fmt.Errorf("decoding norms of field %s: %w", ne.Field, err)
		}
		r.norms[ne.Field] = norms{docs: bm, norms: ne.Norms}
	}
	return nil
}

// Meta returns the segment metadata.
func (r *Reader) Meta() Meta {
	return r.meta
}

func (r *Reader) TermCount() int {
	return len(r.dict)
}

func (r *Reader) DocCount() int {
	return r.meta.DocCount
}

func (r *Reader) Fields() []string {
	return r.meta.Fields
}

func compareEntry(e DictEntry, field string, term []byte) int {
	if e.Field != field {
		if e.Field < field {
			return -1
		}
		return 1
	}
	return bytes.Compare(e.Term, term)
}

// Postings returns the posting list of term in field, or nil when the term
// does not occur.
func (r *Reader) Postings(field string, term []byte) ([]postings.DocPostings, error) {
	i := sort.Search(len(r.dict), func(i int) bool {
		return compareEntry(r.dict[i], field, term) >= 0
	})
	if i == len(r.dict) || compareEntry(r.dict[i], field, term) != 0 {
		return nil, nil
	}
	var docs []postings.DocPostings
	if err := r.readBlob(r.dict[i].Offset, r.dict[i].Len, &docs); err != nil {
		return nil, fmt.Errorf("reading postings of %s:%q: %w", field, term, err)
	}
	return docs, nil
}

// ForEachTerm calls fn for every dictionary entry in file order. Returning
// false stops the iteration.
func (r *Reader) ForEachTerm(fn func(e DictEntry) bool) {
	for _, e := range r.dict {
		if !fn(e) {
			return
		}
	}
}

// Vectors returns the term vector of field for the segment-local docID.
func (r *Reader) Vectors(docID int32, field string) ([]postings.VectorTerm, error) {
	for _, ve := range r.meta.Vectors {
		if ve.DocID != docID || ve.Field != field {
			continue
		}
		var terms []postings.VectorTerm
		if err := r.readBlob(ve.Offset, ve.Len, &terms); err != nil {
			return nil, fmt.Errorf("reading term vector of doc %d: %w", docID, err)
		}
		return terms, nil
	}
	return nil, nil
}

// Norm returns the encoded norm of field for docID.
func (r *Reader) Norm(field string, docID int32) (byte, bool) {
	n, ok := r.norms[field]
	if !ok || docID < 0 || !n.docs.Contains(uint32(docID)) {
		return 0, false
	}
	return n.norms[n.docs.Rank(uint32(docID))-1], true
}

// DocumentID returns the external id recorded for docID.
func (r *Reader) DocumentID(docID int32) (string, bool) {
	id, ok := r.meta.DocIDs[docID]
	return id, ok
}

func (r *Reader) readBlob(offset int64, n int, v any) error {
	data := make([]byte, n)
	if _, err := r.f.ReadAt(data, r.header.DataOffset+offset); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (r *Reader) Close() error {
	return r.f.Close()
}
