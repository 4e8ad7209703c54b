// Package segment writes flushed indexing sessions to .spdx segment files and
// reads them back. A segment file is laid out as
//
//	header (64 bytes) | data | dictionary | meta | footer (32 bytes)
//
// The data region holds one JSON blob per term posting list and per document
// term vector. The dictionary lists terms sorted by field then term bytes;
// meta carries the segment info, norms and document ids. The footer stores a
// CRC32 of dictionary and meta.
package segment

import (
	"encoding/binary"
	"fmt"
)

const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 64
	FooterSize    int    = 32
	FileExt              = ".spdx"
)

// Header is the fixed-size header written at the start of every segment.
type Header struct {
	Magic      uint32
	Version    uint32
	TermCount  uint32
	DocCount   uint32
	DataOffset int64
	DataSize   int64
	DictOffset int64
	DictSize   int64
	MetaOffset int64
	MetaSize   int64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.TermCount)
	binary.LittleEndian.PutUint32(b[12:16], h.DocCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.DataOffset))
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.DataSize))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.DictSize))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.MetaOffset))
	binary.LittleEndian.PutUint64(b[56:64], uint64(h.MetaSize))
	return b
}

func decodeHeader(b []byte) (Header, error) {
	h := Header{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		TermCount:  binary.LittleEndian.Uint32(b[8:12]),
		DocCount:   binary.LittleEndian.Uint32(b[12:16]),
		DataOffset: int64(binary.LittleEndian.Uint64(b[16:24])),
		DataSize:   int64(binary.LittleEndian.Uint64(b[24:32])),
		DictOffset: int64(binary.LittleEndian.Uint64(b[32:40])),
		DictSize:   int64(binary.LittleEndian.Uint64(b[40:48])),
		MetaOffset: int64(binary.LittleEndian.Uint64(b[48:56])),
		MetaSize:   int64(binary.LittleEndian.Uint64(b[56:64])),
	}
	if h.Magic != MagicBytes {
		return h, fmt.Errorf("invalid segment file: bad magic bytes %x", h.Magic)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported segment version %d", h.Version)
	}
	return h, nil
}

// DictEntry maps a term to its posting list blob in the data region.
type DictEntry struct {
	Field   string `json:"f"`
	Term    []byte `json:"t"`
	Offset  int64  `json:"o"`
	Len     int    `json:"l"`
	DocFreq int    `json:"d"`
}

// VectorEntry locates the term vector of one field of one document.
type VectorEntry struct {
	DocID  int32  `json:"d"`
	Field  string `json:"f"`
	Offset int64  `json:"o"`
	Len    int    `json:"l"`
}

// NormsEntry holds the norms of one field. Docs is a serialised roaring
// bitmap; Norms[i] belongs to the i-th document of the bitmap.
type NormsEntry struct {
	Field string `json:"f"`
	Docs  []byte `json:"docs"`
	Norms []byte `json:"norms"`
}

// Meta is the trailing metadata block of a segment.
type Meta struct {
	Name     string           `json:"name"`
	DocBase  int64            `json:"doc_base"`
	DocCount int              `json:"doc_count"`
	Fields   []string         `json:"fields"`
	Trigger  string           `json:"trigger"`
	Created  int64            `json:"created"`
	Vectors  []VectorEntry    `json:"vectors,omitempty"`
	Norms    []NormsEntry     `json:"norms,omitempty"`
	DocIDs   map[int32]string `json:"doc_ids,omitempty"`
}
