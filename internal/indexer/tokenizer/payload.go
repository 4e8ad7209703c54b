package tokenizer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	apperrors "github.com/Adithya-Monish-Kumar-K/segment-indexer/pkg/errors"
)

// DefaultDelimiter separates a term from its payload, as in "quick|JJ".
const DefaultDelimiter = '|'

// PayloadEncoder turns the text after the delimiter into payload bytes.
type PayloadEncoder interface {
	Encode(raw []byte) ([]byte, error)
}

// IdentityEncoder stores the raw payload text.
type IdentityEncoder struct{}

func (IdentityEncoder) Encode(raw []byte) ([]byte, error) {
	return append([]byte(nil), raw...), nil
}

// FloatEncoder stores the payload as the 4-byte big-endian IEEE 754 bits of
// a float32.
type FloatEncoder struct{}

func (FloatEncoder) Encode(raw []byte) ([]byte, error) {
	f, err := strconv.ParseFloat(string(raw), 32)
	if err != nil {
		return nil, fmt.Errorf("float payload %q: %w", raw, err)
	}
	return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
}

// IntegerEncoder stores the payload as a 4-byte big-endian int32.
type IntegerEncoder struct{}

func (IntegerEncoder) Encode(raw []byte) ([]byte, error) {
	n, err := strconv.ParseInt(string(raw), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("integer payload %q: %w", raw, err)
	}
	return binary.BigEndian.AppendUint32(nil, uint32(int32(n))), nil
}

// DecodeFloat reads a payload written by FloatEncoder.
func DecodeFloat(payload []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(payload))
}

// DecodeInt reads a payload written by IntegerEncoder.
func DecodeInt(payload []byte) int32 {
	return int32(binary.BigEndian.Uint32(payload))
}

// EncoderByName resolves "identity" (or ""), "float" and "integer".
func EncoderByName(name string) (PayloadEncoder, error) {
	switch name {
	case "", "identity":
		return IdentityEncoder{}, nil
	case "float":
		return FloatEncoder{}, nil
	case "integer":
		return IntegerEncoder{}, nil
	default:
		return nil, apperrors.Newf(apperrors.KindInvalidInput, "payload encoder", "unknown encoding %q", name)
	}
}

// DelimitedPayloadFilter splits every token at the first delimiter: the part
// before becomes the term, the part after is encoded as the payload. Tokens
// without a delimiter keep no payload. Offsets are left untouched.
type DelimitedPayloadFilter struct {
	Delimiter byte
	Encoder   PayloadEncoder
}

// NewDelimitedPayloadFilter returns a filter; a nil encoder stores payloads
// verbatim.
func NewDelimitedPayloadFilter(delimiter byte, enc PayloadEncoder) *DelimitedPayloadFilter {
	if enc == nil {
		enc = IdentityEncoder{}
	}
	return &DelimitedPayloadFilter{Delimiter: delimiter, Encoder: enc}
}

// Filter rewrites tokens in place.
func (f *DelimitedPayloadFilter) Filter(tokens []Token) ([]Token, error) {
	for i := range tokens {
		text := tokens[i].Text
		idx := bytes.IndexByte(text, f.Delimiter)
		if idx < 0 {
			continue
		}
		payload, err := f.Encoder.Encode(text[idx+1:])
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInvalidInput, "payload filter").WithTerm(text[:idx])
		}
		tokens[i].Text = text[:idx]
		tokens[i].Payload = payload
	}
	return tokens, nil
}

// Analyzer is the analysis chain applied to one field. Without a payload
// filter it is Tokenize; with one, text is split on white space, payloads
// are extracted and the remaining term is normalised like Tokenize does.
type Analyzer struct {
	payloads *DelimitedPayloadFilter
}

// NewAnalyzer returns an analyzer; payloads may be nil.
func NewAnalyzer(payloads *DelimitedPayloadFilter) *Analyzer {
	return &Analyzer{payloads: payloads}
}

// Analyze tokenizes text.
func (a *Analyzer) Analyze(text string) ([]Token, error) {
	if a == nil || a.payloads == nil {
		return Tokenize(text), nil
	}
	raw, err := a.payloads.Filter(Whitespace(text))
	if err != nil {
		return nil, err
	}
	tokens := raw[:0]
	pos := int32(0)
	for _, tok := range raw {
		term, ok := normalize(string(tok.Text))
		if !ok {
			continue
		}
		tok.Text = []byte(term)
		tok.Position = pos
		tokens = append(tokens, tok)
		pos++
	}
	return tokens, nil
}
