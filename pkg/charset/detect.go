package charset

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// DefaultMinConfidence is the score below which a buffer is undetectable.
const DefaultMinConfidence = 0.6

// LowConfidence is the score under which a detection is reported as doubtful.
const LowConfidence = 0.7

// Detection is the outcome of classifying a buffer.
type Detection struct {
	Encoding   Encoding
	Confidence float64
}

// Detector classifies byte buffers into one of the supported encodings.
type Detector struct {
	// MinConfidence is the lowest accepted score. Zero means DefaultMinConfidence.
	MinConfidence float64
}

// Detect classifies buf with the default threshold.
func Detect(buf []byte, override Encoding) (Detection, error) {
	return Detector{}.Detect(buf, override)
}

// Detect returns the most likely encoding of buf. A non-empty override is
// returned as-is with full confidence. Pure 7-bit input is ASCII unless it
// carries ISO-2022-JP designator escapes.
func (d Detector) Detect(buf []byte, override Encoding) (Detection, error) {
	if override != "" {
		return Detection{Encoding: override, Confidence: 1}, nil
	}

	if isASCII(buf) {
		if hasISO2022Escape(buf) {
			return Detection{Encoding: ISO2022JP, Confidence: scoreISO2022JP(buf)}, nil
		}
		return Detection{Encoding: ASCII, Confidence: 1}, nil
	}

	best := Detection{}
	for _, enc := range variantOrder {
		// Strictly greater keeps the earlier variant on ties.
		if score := scorers[enc](buf); score > best.Confidence {
			best = Detection{Encoding: enc, Confidence: score}
		}
	}

	minConf := d.MinConfidence
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}
	if best.Confidence < minConf {
		return best, fmt.Errorf("%w: best candidate %s scored %.2f", ErrUndetectable, best.Encoding, best.Confidence)
	}
	return best, nil
}

var scorers = map[Encoding]func([]byte) float64{
	UTF8:      scoreUTF8,
	EUCJP:     scoreEUCJP,
	ShiftJIS:  scoreShiftJIS,
	ISO2022JP: scoreISO2022JP,
}

// IsPlainASCII reports whether buf is 7-bit text without ISO-2022-JP
// escapes, which reads identically in every supported encoding.
func IsPlainASCII(buf []byte) bool {
	return isASCII(buf) && !hasISO2022Escape(buf)
}

func isASCII(buf []byte) bool {
	for _, b := range buf {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// ISO-2022-JP designator sequences: JIS X 0208-1978, JIS X 0208-1983,
// JIS X 0201 Roman and JIS X 0201 Katakana.
var iso2022Escapes = [][]byte{
	{0x1b, '$', '@'},
	{0x1b, '$', 'B'},
	{0x1b, '(', 'J'},
	{0x1b, '(', 'I'},
}

func hasISO2022Escape(buf []byte) bool {
	for _, esc := range iso2022Escapes {
		if bytes.Contains(buf, esc) {
			return true
		}
	}
	return false
}

// scoreUTF8 accepts only well-formed UTF-8 that actually uses multi-byte sequences.
func scoreUTF8(buf []byte) float64 {
	if !utf8.Valid(buf) {
		return 0
	}
	if isASCII(buf) {
		return 0.5
	}
	return 1
}

// scoreISO2022JP is a 7-bit encoding; any high byte disqualifies it.
func scoreISO2022JP(buf []byte) float64 {
	if !isASCII(buf) {
		return 0
	}
	if !hasISO2022Escape(buf) {
		return 0
	}
	// Text shifted into a JIS X 0208 set must shift back to ASCII or Roman.
	if bytes.Contains(buf, []byte{0x1b, '(', 'B'}) || bytes.Contains(buf, []byte{0x1b, '(', 'J'}) {
		return 1
	}
	return 0.8
}

// Multi-byte scores start at a base for structurally valid input and grow
// with the share of characters from the common blocks (kana and level-1 kanji).
const (
	structuralBase = 0.5
	commonWeight   = 0.49
)

func ratioScore(common, total int) float64 {
	if total == 0 {
		return 0
	}
	return structuralBase + commonWeight*float64(common)/float64(total)
}

// scoreEUCJP validates EUC-JP structure: JIS X 0208 pairs (A1-FE A1-FE),
// SS2 half-width katakana (8E A1-DF) and SS3 JIS X 0212 triples (8F A1-FE A1-FE).
func scoreEUCJP(buf []byte) float64 {
	var common, total int
	for i := 0; i < len(buf); {
		b := buf[i]
		switch {
		case b < 0x80:
			i++
		case b == 0x8e:
			if i+1 >= len(buf) || buf[i+1] < 0xa1 || buf[i+1] > 0xdf {
				return 0
			}
			total++
			i += 2
		case b == 0x8f:
			if i+2 >= len(buf) || !isEUCByte(buf[i+1]) || !isEUCByte(buf[i+2]) {
				return 0
			}
			total++
			i += 3
		case isEUCByte(b):
			if i+1 >= len(buf) || !isEUCByte(buf[i+1]) {
				return 0
			}
			total++
			// A4 hiragana, A5 katakana, B0-CF level-1 kanji.
			if b == 0xa4 || b == 0xa5 || (b >= 0xb0 && b <= 0xcf) {
				common++
			}
			i += 2
		default:
			return 0
		}
	}
	return ratioScore(common, total)
}

func isEUCByte(b byte) bool {
	return b >= 0xa1 && b <= 0xfe
}

// scoreShiftJIS validates Shift-JIS structure: half-width katakana singles
// (A1-DF) and lead/trail pairs (81-9F|E0-FC, 40-7E|80-FC).
func scoreShiftJIS(buf []byte) float64 {
	var common, total int
	for i := 0; i < len(buf); {
		b := buf[i]
		switch {
		case b < 0x80:
			i++
		case b >= 0xa1 && b <= 0xdf:
			// Half-width katakana is valid but rare in real text.
			total++
			i++
		case (b >= 0x81 && b <= 0x9f) || (b >= 0xe0 && b <= 0xfc):
			if i+1 >= len(buf) {
				return 0
			}
			t := buf[i+1]
			if t < 0x40 || t == 0x7f || t > 0xfc {
				return 0
			}
			total++
			switch {
			case b == 0x82 && t >= 0x9f && t <= 0xf1: // hiragana
				common++
			case b == 0x83 && t >= 0x40 && t <= 0x96: // katakana
				common++
			case b >= 0x88 && b <= 0x98: // level-1 kanji
				common++
			case b == 0x81: // punctuation and symbols
				common++
			}
			i += 2
		default:
			return 0
		}
	}
	return ratioScore(common, total)
}
