package charset

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// Decode converts b from src into UTF-8. Invalid input yields ErrDecode.
func Decode(b []byte, src Encoding) ([]byte, error) {
	switch src {
	case UTF8:
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w (%s)", ErrDecode, src)
		}
		return b, nil
	case ASCII:
		if !isASCII(b) {
			return nil, fmt.Errorf("%w (%s)", ErrDecode, src)
		}
		return b, nil
	}

	codec, err := src.codec()
	if err != nil {
		return nil, err
	}
	out, err := codec.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %w", ErrDecode, src, err)
	}
	// The x/text decoders substitute U+FFFD for invalid sequences instead of
	// failing. None of the legacy encodings can encode U+FFFD itself, so its
	// presence always marks a decoding error.
	if bytes.ContainsRune(out, utf8.RuneError) {
		return nil, fmt.Errorf("%w (%s)", ErrDecode, src)
	}
	return out, nil
}

// Encode converts UTF-8 text into dst. Characters dst cannot represent yield ErrEncode.
func Encode(text []byte, dst Encoding) ([]byte, error) {
	switch dst {
	case UTF8:
		return text, nil
	case ASCII:
		if !isASCII(text) {
			return nil, fmt.Errorf("%w (%s)", ErrEncode, dst)
		}
		return text, nil
	}

	codec, err := dst.codec()
	if err != nil {
		return nil, err
	}
	out, err := codec.NewEncoder().Bytes(text)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %w", ErrEncode, dst, err)
	}
	return out, nil
}

// Transcode converts b from src to dst through Unicode. Identical encodings,
// and ASCII input, are returned untouched since ASCII bytes are valid in every
// supported encoding.
func Transcode(b []byte, src, dst Encoding) ([]byte, error) {
	if src == dst {
		return b, nil
	}
	if src == ASCII {
		if !isASCII(b) {
			return nil, fmt.Errorf("%w (%s)", ErrDecode, src)
		}
		return b, nil
	}
	text, err := Decode(b, src)
	if err != nil {
		return nil, err
	}
	return Encode(text, dst)
}
