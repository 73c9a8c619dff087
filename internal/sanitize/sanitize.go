// Package sanitize cleans untrusted external text (model output, tool
// output, stream errors, recovered journal content) before it is displayed
// or persisted.
//
// Terminal emulators interpret escape sequences that can manipulate the
// clipboard (OSC 52), forge hyperlinks (OSC 8), rewrite displayed content
// (CSI cursor movement), or alter terminal state. Invisible Unicode can
// smuggle instructions past a reader or split a secret so redaction misses
// it. Everything that crosses from a model, a subprocess, or the network
// into the user's terminal or the durable history goes through this
// package first.
package sanitize

import "strings"

const (
	esc = '\x1b'
	bel = '\x07'
)

// Text sanitizes untrusted text for display and persistence.
//
// Passes run in a fixed order: terminal escape stripping, invisible
// character stripping, pattern-based credential redaction, then
// environment-derived secret redaction. Normalization must run before
// redaction: a secret split by invisible characters would otherwise dodge
// the patterns and snap back into a usable token after stripping.
func Text(s string) string {
	normalized := StripInvisible(TerminalText(s))
	return redactEnvSecrets(RedactSecrets(normalized))
}

// StreamError sanitizes a provider or transport error message. Identical
// to Text except surrounding whitespace is trimmed first.
func StreamError(s string) string {
	return Text(strings.TrimSpace(s))
}

// TerminalText strips ANSI escape sequences and control characters.
//
// Removed: CSI, OSC, DCS, PM and APC sequences, two-character and
// single-character ESC commands, C0 controls other than \n \t \r, C1
// controls (including the C1 CSI at U+009B with its parameters), and DEL.
// Printable ASCII and all other Unicode pass through unchanged. Clean
// input is returned without allocating.
func TerminalText(s string) string {
	if !needsTerminalStrip(s) {
		return s
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == esc:
			i = skipEscapeSequence(runes, i)
		case c == '\n' || c == '\t' || c == '\r':
			b.WriteRune(c)
		case c <= 0x1f || c == 0x7f:
			// Disallowed C0 control or DEL.
		case c == 0x9b:
			// C1 CSI equivalent; some terminals honor its parameters.
			i = skipCSIParams(runes, i)
		case c >= 0x80 && c <= 0x9f:
			// Other C1 control.
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func needsTerminalStrip(s string) bool {
	for _, c := range s {
		switch {
		case c == esc || c == bel:
			return true
		case c <= 0x1f && c != '\n' && c != '\t' && c != '\r':
			return true
		case c == 0x7f:
			return true
		case c >= 0x80 && c <= 0x9f:
			return true
		}
	}
	return false
}

// skipEscapeSequence consumes the sequence introduced by the ESC at
// runes[i] and returns the index of the last consumed rune.
func skipEscapeSequence(runes []rune, i int) int {
	if i+1 >= len(runes) {
		return i
	}
	switch runes[i+1] {
	case '[':
		// CSI: ESC [ params... final byte.
		return skipCSIParams(runes, i+1)
	case ']':
		// OSC: ESC ] ... terminated by BEL or ST.
		return skipStringSequence(runes, i+1, true)
	case 'P', '^', '_':
		// DCS, PM, APC: terminated by ST only.
		return skipStringSequence(runes, i+1, false)
	case '(', ')', '*', '+', '#', ' ':
		// Two-character sequences such as charset designators.
		return i + 2
	case '7', '8', 'c', 'D', 'E', 'H', 'M', 'N', 'O', 'Z', '=', '>', '<':
		// Single-character commands.
		return i + 1
	default:
		// Unknown sequence. Drop the ESC alone and let the next rune
		// be processed normally.
		return i
	}
}

// skipCSIParams consumes parameter and intermediate bytes (0x20-0x3F)
// after runes[start] up to and including the final byte (0x40-0x7E).
func skipCSIParams(runes []rune, start int) int {
	j := start
	for j+1 < len(runes) {
		c := runes[j+1]
		if c >= 0x40 && c <= 0x7e {
			return j + 1
		}
		if c < 0x20 || c > 0x3f {
			// Not a valid sequence byte; stop before it.
			return j
		}
		j++
	}
	return j
}

// skipStringSequence consumes a string sequence body after runes[start]
// up to and including its terminator: ST (ESC \), or BEL when allowBEL
// is set. An unterminated sequence consumes the rest of the input.
func skipStringSequence(runes []rune, start int, allowBEL bool) int {
	for j := start + 1; j < len(runes); j++ {
		c := runes[j]
		if allowBEL && c == bel {
			return j
		}
		if c == esc && j+1 < len(runes) && runes[j+1] == '\\' {
			return j + 1
		}
	}
	return len(runes) - 1
}

// IsInvisibleChar reports whether r is a zero-width, bidi-control,
// filler, variation-selector, or tag character. These render as nothing
// (or reorder surrounding text) while still being present in the string.
func IsInvisibleChar(r rune) bool {
	switch r {
	case 0x00ad, // soft hyphen
		0x034f, // combining grapheme joiner
		0x061c, // Arabic letter mark
		0x115f, // Hangul choseong filler
		0x1160, // Hangul jungseong filler
		0x17b4, // Khmer inherent AQ
		0x17b5, // Khmer inherent AA
		0x180e, // Mongolian vowel separator
		0x3164, // Hangul filler
		0xfeff, // BOM / zero-width no-break space
		0xffa0: // halfwidth Hangul filler
		return true
	}
	switch {
	case r >= 0x200b && r <= 0x200f: // zero-width space/joiners, LRM, RLM
		return true
	case r >= 0x202a && r <= 0x202e: // bidi embeddings and overrides
		return true
	case r >= 0x2060 && r <= 0x2064: // word joiner, invisible operators
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r >= 0xfe00 && r <= 0xfe0f: // variation selectors
		return true
	case r >= 0xe0000 && r <= 0xe007f: // Unicode tags
		return true
	case r >= 0xe0100 && r <= 0xe01ef: // variation selector supplement
		return true
	}
	return false
}

// StripInvisible removes every rune matching IsInvisibleChar. Clean input
// is returned without allocating.
func StripInvisible(s string) string {
	if !strings.ContainsFunc(s, IsInvisibleChar) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !IsInvisibleChar(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
