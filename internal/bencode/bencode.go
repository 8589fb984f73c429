// Package bencode implements the bencoding grammar used by metainfo files
// and the tracker wire protocol: integers (i<decimal>e), byte strings
// (<len>:<bytes>), lists (l...e), and dictionaries (d(<key><value>)*e) with
// keys sorted lexicographically as byte strings.
package bencode

import "fmt"

// Token identifies syntactic markers in the bencode stream.
type Token byte

func (t Token) Byte() byte { return byte(t) }

const (
	TokenDict            Token = 'd'
	TokenInteger         Token = 'i'
	TokenEnding          Token = 'e'
	TokenList            Token = 'l'
	TokenStringSeparator Token = ':'
)

// ErrMalformed is wrapped by every error the decoder returns, so callers can
// test for it with errors.Is without depending on message text.
var ErrMalformed = fmt.Errorf("bencode: malformed input")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
