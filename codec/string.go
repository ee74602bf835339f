package codec

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/drpcorg/kvindex/index_errors"
)

const collationCacheSize = 4096

type stringCodec struct {
	def Def

	// collator mode only; collate.Collator is not safe for concurrent use
	collMu   sync.Mutex
	coll     *collate.Collator
	collBuf  collate.Buffer
	collKeys *lru.Cache[string, []byte]
}

func newStringCodec(def Def) (Codec, error) {
	c := &stringCodec{def: def}
	if def.Mode == ModeCollator {
		tag, err := language.Parse(def.Locale)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: locale %q: %v", index_errors.ErrInvalidCodecParams, def.Name, def.Locale, err)
		}
		c.coll = collate.New(tag)
		c.collKeys, _ = lru.New[string, []byte](collationCacheSize)
	}
	return c, nil
}

func (c *stringCodec) Def() Def { return c.def }

func (c *stringCodec) ByteLength() int { return c.def.Length }

func (c *stringCodec) Accepts(v any) bool {
	_, ok := v.(string)
	return ok
}

func (c *stringCodec) AppendEncode(dst []byte, v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return dst, mismatch(c.def, v)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return dst, fmt.Errorf("%w: field %q: string holds a NUL byte", index_errors.ErrValueOutOfRange, c.def.Name)
	}
	var raw []byte
	switch c.def.Mode {
	case ModeCollator:
		raw = c.collationKey(s)
	case ModeASCIIFolding:
		raw = truncateUTF8([]byte(FoldASCII(s)), c.def.Length)
	default:
		raw = truncateUTF8([]byte(s), c.def.Length)
	}
	if len(raw) > c.def.Length {
		raw = raw[:c.def.Length]
	}
	start := len(dst)
	dst = append(dst, raw...)
	dst = append(dst, make([]byte, c.def.Length-len(raw))...)
	invert(dst[start:], mask(c.def.Order))
	return dst, nil
}

func (c *stringCodec) collationKey(s string) []byte {
	if key, ok := c.collKeys.Get(s); ok {
		return key
	}
	c.collMu.Lock()
	key := append([]byte(nil), c.coll.KeyFromString(&c.collBuf, s)...)
	c.collBuf.Reset()
	c.collMu.Unlock()
	c.collKeys.Add(s, key)
	return key
}

// truncateUTF8 cuts b to at most n bytes without splitting a rune.
func truncateUTF8(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	b = b[:n]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size > 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return b
}

func (c *stringCodec) Decode(src []byte) (any, int, error) {
	n := c.def.Length
	seg, err := fixedSegment(c.def, src, n)
	if err != nil {
		return nil, 0, err
	}
	if c.def.Mode == ModeCollator {
		return nil, n, fmt.Errorf("%w: field %q holds a collation key", index_errors.ErrIrreversibleEncoding, c.def.Name)
	}
	seg = bytes.TrimRight(seg, "\x00")
	if !utf8.Valid(seg) {
		return nil, 0, corrupt(c.def, "invalid utf-8")
	}
	return string(seg), n, nil
}

var foldLigatures = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ĳ", "ij", "Ĳ", "IJ",
	"þ", "th", "Þ", "TH",
)

var foldLetters = runes.Map(func(r rune) rune {
	switch r {
	case 'ø':
		return 'o'
	case 'Ø':
		return 'O'
	case 'đ', 'ð':
		return 'd'
	case 'Đ', 'Ð':
		return 'D'
	case 'ł':
		return 'l'
	case 'Ł':
		return 'L'
	case 'ı':
		return 'i'
	}
	return r
})

// FoldASCII strips diacritics and expands common ligatures so that accented
// and unaccented spellings compare equal.
func FoldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), foldLetters, norm.NFC)
	folded, _, err := transform.String(t, foldLigatures.Replace(s))
	if err != nil {
		return s
	}
	return folded
}
