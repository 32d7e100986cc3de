// Package jsonfield implements the mid-stream JSON field extraction scanner
// described in the system specification's §9 design notes: a small stateful
// scanner that tracks object depth, string state, and the key currently
// being decoded, used to incrementally surface the value of one string
// field inside a streaming, not-yet-complete JSON object — without
// buffering a full parser.
//
// Two consumers share this scanner: the Enhancement Decider (C6) extracts
// "voiceOverText" word-by-word as it streams from the LLM, and the HTML UI
// Provider (C5) extracts "htmlContent" chunk-by-chunk.
package jsonfield

import "strings"

// Scanner incrementally extracts the string value of a single target key
// from a stream of JSON object bytes. Feed it bytes as they arrive via
// Feed; each call returns any newly available suffix of the target value.
//
// The zero value is not usable; construct with New.
type Scanner struct {
	key string

	// parse state
	inString    bool
	escaped     bool
	depth       int
	atKeyLevel  int // depth at which top-level keys of the target object live
	pendingKey  strings.Builder
	readingKey  bool
	sawColon    bool
	inTarget    bool // currently inside the target key's string value
	targetValue strings.Builder
	emittedLen  int
	done        bool
}

// New creates a Scanner that extracts the value of key (e.g. "voiceOverText").
// depth is the object nesting depth at which the key appears; depth 1 means
// the key is a member of the outermost JSON object (the common case).
func New(key string, depth int) *Scanner {
	if depth <= 0 {
		depth = 1
	}
	return &Scanner{key: key, atKeyLevel: depth}
}

// Feed consumes the next chunk of raw bytes and returns any newly completed
// suffix of the target value's string content (unescaped). Once the target
// value's closing quote has been seen, Feed is a no-op and returns "".
func (s *Scanner) Feed(chunk string) string {
	if s.done {
		return ""
	}
	for _, r := range chunk {
		s.step(r)
		if s.done {
			break
		}
	}
	return s.drainNewSuffix()
}

func (s *Scanner) drainNewSuffix() string {
	full := s.targetValue.String()
	if len(full) <= s.emittedLen {
		return ""
	}
	suffix := full[s.emittedLen:]
	s.emittedLen = len(full)
	return suffix
}

// step advances the scanner by one rune.
func (s *Scanner) step(r rune) {
	if s.inTarget {
		s.stepInsideTarget(r)
		return
	}
	if s.inString {
		s.stepInsideOtherString(r)
		return
	}

	switch r {
	case '{', '[':
		s.depth++
	case '}', ']':
		s.depth--
	case '"':
		switch {
		case s.sawColon && !s.readingKey && s.depth == s.atKeyLevel:
			// Opening quote of the target key's value string.
			s.inTarget = true
			s.inString = true
		case s.depth == s.atKeyLevel:
			s.readingKey = true
			s.pendingKey.Reset()
			s.inString = true
		default:
			s.inString = true
		}
	case ':':
		if s.readingKey {
			s.readingKey = false
			if s.pendingKey.String() == s.key {
				s.sawColon = true
			}
		}
	case ',':
		if s.depth == s.atKeyLevel {
			s.sawColon = false
		}
	}
}

// stepInsideOtherString consumes runes of a string that is not the target
// value (either a key or an unrelated value), tracking escape state.
func (s *Scanner) stepInsideOtherString(r rune) {
	if s.escaped {
		s.escaped = false
		if s.readingKey {
			s.pendingKey.WriteRune(r)
		}
		return
	}
	switch r {
	case '\\':
		s.escaped = true
	case '"':
		s.inString = false
	default:
		if s.readingKey {
			s.pendingKey.WriteRune(r)
		}
	}
}

// stepInsideTarget consumes runes of the target key's string value.
func (s *Scanner) stepInsideTarget(r rune) {
	if s.escaped {
		s.escaped = false
		s.targetValue.WriteRune(unescape(r))
		return
	}
	switch r {
	case '\\':
		s.escaped = true
	case '"':
		s.inTarget = false
		s.inString = false
		s.sawColon = false
		s.done = true
	default:
		s.targetValue.WriteRune(r)
	}
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return r
	}
}

// Value returns the complete target value extracted so far (may be partial
// if the stream has not yet closed the string).
func (s *Scanner) Value() string {
	return s.targetValue.String()
}

// Done reports whether the target value's closing quote has been observed.
func (s *Scanner) Done() bool {
	return s.done
}

// WordBoundarySplitter accumulates text fed via Feed and yields only
// complete-word suffixes: a suffix ending at whitespace or sentence-terminal
// punctuation is released; the remainder is held back until the next word
// boundary arrives. Used by the Enhancement Decider to inject voice-over
// text word-by-word (spec §4.6).
type WordBoundarySplitter struct {
	pending strings.Builder
}

// isBoundary reports whether r terminates a word for injection purposes.
func isBoundary(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '.', '!', '?', ',', ';', ':':
		return true
	default:
		return false
	}
}

// Feed appends s to the pending buffer and returns the longest prefix that
// ends at a word boundary, consuming it from the buffer. Returns "" if no
// complete word is yet available.
func (w *WordBoundarySplitter) Feed(s string) string {
	w.pending.WriteString(s)
	buf := w.pending.String()

	lastBoundary := -1
	for i, r := range buf {
		if isBoundary(r) {
			lastBoundary = i + len(string(r))
		}
	}
	if lastBoundary <= 0 {
		return ""
	}

	ready := buf[:lastBoundary]
	rest := buf[lastBoundary:]
	w.pending.Reset()
	w.pending.WriteString(rest)
	return ready
}

// Flush returns and clears any remaining buffered (incomplete-word) text.
func (w *WordBoundarySplitter) Flush() string {
	rest := w.pending.String()
	w.pending.Reset()
	return rest
}
