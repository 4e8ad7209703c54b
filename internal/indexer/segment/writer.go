package segment

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-indexer/internal/indexer/postings"
)

// Writer streams one segment to a temporary file and renames it into place
// on Finish. It implements indexer.SegmentWriter.
type Writer struct {
	name      string
	finalPath string
	tmpPath   string
	f         *os.File
	bw        *bufio.Writer
	offset    int64

	dict    []DictEntry
	vectors []VectorEntry
	norms   []NormsEntry
	docIDs  map[int32]string
}

// Create opens a new segment called name in dir.
func Create(dir, name string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	finalPath := filepath.Join(dir, name+FileExt)
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp segment file: %w", err)
	}
	w := &Writer{
		name:      name,
		finalPath: finalPath,
		tmpPath:   tmpPath,
		f:         f,
		bw:        bufio.NewWriterSize(f, 64<<10),
		docIDs:    make(map[int32]string),
	}
	if err := w.write(make([]byte, HeaderSize)); err != nil {
		return nil, errors.Join(fmt.Errorf("writing header placeholder: %w", err), w.Abort())
	}
	return w, nil
}

// Path returns the final path of the segment.
func (w *Writer) Path() string {
	return w.finalPath
}

func (w *Writer) write(b []byte) error {
	n, err := w.bw.Write(b)
	w.offset += int64(n)
	return err
}

func (w *Writer) writeBlob(v any) (int64, int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, 0, err
	}
	offset := w.offset - int64(HeaderSize)
	if err := w.write(data); err != nil {
		return 0, 0, err
	}
	return offset, len(data), nil
}

func (w *Writer) WriteTerm(tp postings.TermPostings) error {
	offset, n, err := w.writeBlob(tp.Docs)
	if err != nil {
		return fmt.Errorf("writing postings for term %q: %w", tp.Term, err)
	}
	w.dict = append(w.dict, DictEntry{
		Field:   tp.Field,
		Term:    append([]byte(nil), tp.Term...),
		Offset:  offset,
		Len:     n,
		DocFreq: len(tp.Docs),
	})
	return nil
}

func (w *Writer) WriteVectors(docID int32, field string, terms []postings.VectorTerm) error {
	offset, n, err := w.writeBlob(terms)
	if err != nil {
		return fmt.Errorf("writing term vector of doc %d: %w", docID, err)
	}
	w.vectors = append(w.vectors, VectorEntry{DocID: docID, Field: field, Offset: offset, Len: n})
	return nil
}

func (w *Writer) WriteNorms(field string, docs *roaring.Bitmap, norms []byte) error {
	data, err := docs.ToBytes()
	if err != nil {
		return fmt.Errorf("serialising norms bitmap of field %s: %w", field, err)
	}
	w.norms = append(w.norms, NormsEntry{Field: field, Docs: data, Norms: append([]byte(nil), norms...)})
	return nil
}

func (w *Writer) WriteDocumentID(docID int32, id string) error {
	w.docIDs[docID] = id
	return nil
}

// Finish writes dictionary, meta, footer and header, syncs the file and
// renames it to its final name.
func (w *Writer) Finish(info indexer.SegmentInfo) error {
	dataSize := w.offset - int64(HeaderSize)

	dictData, err := json.Marshal(w.dict)
	if err != nil {
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	dictOffset := w.offset
	if err := w.write(dictData); err != nil {
		return fmt.Errorf("writing dictionary: %w", err)
	}

	meta := Meta{
		Name:     info.Name,
		DocBase:  info.DocBase,
		DocCount: info.DocCount,
		Fields:   info.Fields,
		Trigger:  string(info.Trigger),
		Created:  time.Now().Unix(),
		Vectors:  w.vectors,
		Norms:    w.norms,
		DocIDs:   w.docIDs,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling segment meta: %w", err)
	}
	metaOffset := w.offset
	if err := w.write(metaData); err != nil {
		return fmt.Errorf("writing segment meta: %w", err)
	}

	checksum := crc32.NewIEEE()
	checksum.Write(dictData)
	checksum.Write(metaData)
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], checksum.Sum32())
	binary.LittleEndian.PutUint32(footer[4:8], uint32(info.DocCount))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(dictOffset))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(metaOffset))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(len(metaData)))
	if err := w.write(footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flushing segment file: %w", err)
	}

	header := Header{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		TermCount:  uint32(len(w.dict)),
		DocCount:   uint32(info.DocCount),
		DataOffset: int64(HeaderSize),
		DataSize:   dataSize,
		DictOffset: dictOffset,
		DictSize:   int64(len(dictData)),
		MetaOffset: metaOffset,
		MetaSize:   int64(len(metaData)),
	}
	if _, err := w.f.WriteAt(header.encode(), 0); err != nil {
		return fmt.Errorf("updating header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing segment file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("renaming segment file: %w", err)
	}
	return nil
}

// Abort closes and removes the temporary file.
func (w *Writer) Abort() error {
	w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp segment file: %w", err)
	}
	return nil
}

// Directory is an indexer.SegmentFactory creating segments in one directory.
type Directory struct {
	dir string
}

// NewDirectory creates dir if needed and removes leftover temporary files of
// interrupted flushes.
func NewDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+FileExt+".tmp"))
	if err != nil {
		return nil, fmt.Errorf("listing temp segments: %w", err)
	}
	for _, path := range leftovers {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing temp segment %s: %w", path, err)
		}
	}
	return &Directory{dir: dir}, nil
}

// Path returns the directory path.
func (d *Directory) Path() string {
	return d.dir
}

func (d *Directory) NewSegment(name string) (indexer.SegmentWriter, error) {
	return Create(d.dir, name)
}

// Segments returns the paths of complete segments sorted by name.
func (d *Directory) Segments() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(d.dir, "*"+FileExt))
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	return paths, nil
}

// Resume reports where a session writing into the directory continues: the
// generation after the highest existing segment and the document base after
// its last document.
func (d *Directory) Resume() (generation int, docBase int64, err error) {
	paths, err := d.Segments()
	if err != nil || len(paths) == 0 {
		return 0, 0, err
	}
	for _, path := range paths {
		if gen, ok := parseGeneration(path); ok && gen >= generation {
			generation = gen + 1
		}
	}
	r, err := OpenReader(paths[len(paths)-1])
	if err != nil {
		return 0, 0, fmt.Errorf("reading last segment: %w", err)
	}
	defer r.Close()
	meta := r.Meta()
	return generation, meta.DocBase + int64(meta.DocCount), nil
}

func parseGeneration(path string) (int, bool) {
	name := strings.TrimSuffix(filepath.Base(path), FileExt)
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return 0, false
	}
	gen, err := strconv.Atoi(name[i+1:])
	return gen, err == nil
}
