package record

import (
	"strings"
	"unicode/utf8"
)

// Messages written by rich-text clients leave the text column empty and carry
// an archived attributed string instead. Decoding that archive is a
// platform-specific concern kept behind this contract: implementations return
// ok=false on anything they cannot parse, never an error.
type BodyDecoder interface {
	Decode(raw []byte) (text string, ok bool)
}

// The object-replacement rune the store embeds where inline media sat.
const invisibleMediaRune = '￼'

// SanitizeText strips object-replacement placeholders and surrounding
// whitespace from decoded message text.
func SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	cleaned := strings.ReplaceAll(text, string(invisibleMediaRune), "")
	return strings.TrimSpace(cleaned)
}

// NoopDecoder fails closed on every archive. It is the default when no
// platform codec is wired in.
type NoopDecoder struct{}

func (NoopDecoder) Decode([]byte) (string, bool) { return "", false }

// PlainTextDecoder salvages printable text from archives that embed the
// message string verbatim. It is a best-effort fallback for hosts without the
// native unarchiver; malformed input yields ok=false rather than garbage.
type PlainTextDecoder struct{}

// Decode scans the archive for the longest printable UTF-8 run and returns it
// when it looks like message text.
func (PlainTextDecoder) Decode(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var best, current strings.Builder
	flush := func() {
		if current.Len() > best.Len() {
			best.Reset()
			best.WriteString(current.String())
		}
		current.Reset()
	}

	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size == 1 {
			flush()
			i++
			continue
		}
		if isPrintableRune(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
		i += size
	}
	flush()

	text := SanitizeText(best.String())
	if utf8.RuneCountInString(text) < 2 {
		return "", false
	}
	return text, true
}

func isPrintableRune(r rune) bool {
	if r == '\n' || r == '\t' || r == ' ' {
		return true
	}
	return r > 0x1f && r != 0x7f && r != invisibleMediaRune
}
