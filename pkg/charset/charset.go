// Package charset detects and converts between the Japanese legacy encodings
// and Unicode.
//
// The supported set is fixed: ASCII, UTF-8, EUC-JP, Shift-JIS and ISO-2022-JP.
// Detection scores every variant against a buffer and picks the best one;
// conversion goes through Unicode using golang.org/x/text.
package charset

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrUnsupportedEncoding is returned for encoding names outside the supported set.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	// ErrUndetectable is returned when no variant reaches the confidence threshold.
	ErrUndetectable = errors.New("encoding could not be detected")
	// ErrDecode is returned when input bytes are invalid for the source encoding.
	ErrDecode = errors.New("invalid byte sequence for source encoding")
	// ErrEncode is returned when a character cannot be represented in the destination encoding.
	ErrEncode = errors.New("character not representable in destination encoding")
)

// Encoding is the canonical name of a supported character encoding.
type Encoding string

const (
	ASCII     Encoding = "ascii"
	UTF8      Encoding = "utf-8"
	EUCJP     Encoding = "euc-jp"
	ShiftJIS  Encoding = "shift-jis"
	ISO2022JP Encoding = "iso-2022-jp"
)

// variantOrder is the fixed detection order; earlier variants win ties.
var variantOrder = []Encoding{UTF8, EUCJP, ShiftJIS, ISO2022JP}

// aliases maps every accepted spelling (lower-cased, '_' folded to '-') to
// its canonical encoding.
var aliases = map[string]Encoding{
	"ascii":       ASCII,
	"us-ascii":    ASCII,
	"utf-8":       UTF8,
	"utf8":        UTF8,
	"euc-jp":      EUCJP,
	"eucjp":       EUCJP,
	"ujis":        EUCJP,
	"x-euc-jp":    EUCJP,
	"shift-jis":   ShiftJIS,
	"shiftjis":    ShiftJIS,
	"sjis":        ShiftJIS,
	"s-jis":       ShiftJIS,
	"cp932":       ShiftJIS,
	"ms932":       ShiftJIS,
	"windows-31j": ShiftJIS,
	"iso-2022-jp": ISO2022JP,
	"iso2022jp":   ISO2022JP,
	"jis":         ISO2022JP,
	"csiso2022jp": ISO2022JP,
}

// Lookup normalises an encoding name or alias to its canonical Encoding.
// An empty name returns the empty Encoding, meaning "auto-detect".
func Lookup(name string) (Encoding, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	if key == "" || key == "auto" {
		return "", nil
	}
	if enc, ok := aliases[key]; ok {
		return enc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
}

// Supported lists the canonical encodings in display order.
func Supported() []Encoding {
	return []Encoding{ASCII, UTF8, EUCJP, ShiftJIS, ISO2022JP}
}

// Aliases returns the accepted alternative names of e in sorted order.
func Aliases(e Encoding) []string {
	var out []string
	for name, enc := range aliases {
		if enc == e && name != string(e) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (e Encoding) String() string {
	if e == "" {
		return "auto"
	}
	return string(e)
}

// codec returns the x/text codec for e. ASCII and UTF-8 share the UTF-8 codec.
func (e Encoding) codec() (encoding.Encoding, error) {
	switch e {
	case ASCII, UTF8:
		return unicode.UTF8, nil
	case EUCJP:
		return japanese.EUCJP, nil
	case ShiftJIS:
		return japanese.ShiftJIS, nil
	case ISO2022JP:
		return japanese.ISO2022JP, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, string(e))
	}
}
