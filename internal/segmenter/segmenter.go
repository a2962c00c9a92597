// Package segmenter splits a script into an ordered list of bounded
// duration chunks for the two-stage pipeline. Splitting is deterministic
// for identical inputs.
package segmenter

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/language"

	"github.com/mediaforge/longform/internal/models"
)

// Failure modes surfaced to the caller as validation errors.
var (
	// ErrEmptyScript means the script was empty after normalization.
	ErrEmptyScript = models.NewError(models.KindValidation, "script is empty after normalization")
	// ErrChunkOverflow means a single indivisible token exceeds the cap.
	ErrChunkOverflow = models.NewError(models.KindValidation, "indivisible token exceeds max segment duration")
)

// Default speaking rates. Latin-script estimation is word based; CJK
// estimation is character based.
const (
	defaultWordsPerMinute = 150.0
	cjkCharsPerMinute     = 300.0
)

// wpmOverrides adjusts the words-per-minute rate per base language.
var wpmOverrides = map[string]float64{
	"de": 140,
	"es": 160,
	"fr": 160,
	"it": 160,
	"hi": 140,
}

// Config controls one segmentation run.
type Config struct {
	// SegmentSeconds is the target estimated length per segment.
	SegmentSeconds int
	// MaxSegmentSeconds is the hard cap; no emitted chunk's estimate
	// exceeds it.
	MaxSegmentSeconds int
	// Locale is a BCP-47 hint for boundary detection and rate selection.
	Locale string
}

// Chunk is one emitted segment text with its estimated spoken duration.
// The estimate is a planning value; the TTS stage's true duration may
// differ.
type Chunk struct {
	Text        string
	DurationSec int
}

// Split normalizes the script, cuts it into sentence-like units, and
// greedily packs them into chunks whose estimates stay at or below the
// target, never above the cap.
func Split(script string, cfg Config) ([]Chunk, error) {
	text := normalize(script)
	if text == "" {
		return nil, ErrEmptyScript
	}

	wpm := wordsPerMinute(cfg.Locale)
	target := float64(cfg.SegmentSeconds)
	limit := float64(cfg.MaxSegmentSeconds)
	if target > limit {
		target = limit
	}

	var units []string
	for _, unit := range splitSentences(text) {
		if estimateSeconds(unit, wpm) <= limit {
			units = append(units, unit)
			continue
		}
		subs, err := splitOversize(unit, wpm, limit)
		if err != nil {
			return nil, err
		}
		units = append(units, subs...)
	}

	return pack(units, wpm, target, limit), nil
}

// normalize collapses whitespace runs and strips control characters.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true // swallow leading whitespace
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// wordsPerMinute resolves the speaking rate for a locale hint.
func wordsPerMinute(locale string) float64 {
	if locale == "" {
		return defaultWordsPerMinute
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return defaultWordsPerMinute
	}
	base, _ := tag.Base()
	if wpm, ok := wpmOverrides[base.String()]; ok {
		return wpm
	}
	return defaultWordsPerMinute
}

// isTerminator reports whether r ends a sentence-like unit. Full-width
// terminators cover CJK and Indic scripts.
func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？', '؟', '।':
		return true
	}
	return false
}

// isFullWidthTerminator reports whether r ends a sentence without a
// following space, as in CJK prose.
func isFullWidthTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '।':
		return true
	}
	return false
}

// isClosing reports whether r may trail a terminator while still
// belonging to the sentence.
func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '»', '”', '’', '」', '』':
		return true
	}
	return false
}

// splitSentences cuts normalized text into sentence-like units on
// terminal punctuation.
func splitSentences(text string) []string {
	var units []string
	runes := []rune(text)
	start := 0

	i := 0
	for i < len(runes) {
		if !isTerminator(runes[i]) {
			i++
			continue
		}
		// Consume the terminator run and any trailing closers.
		fullWidth := false
		for i < len(runes) && (isTerminator(runes[i]) || isClosing(runes[i])) {
			if isFullWidthTerminator(runes[i]) {
				fullWidth = true
			}
			i++
		}
		// A half-width boundary needs following whitespace or end of
		// text; this keeps decimals like "3.5" intact. Full-width
		// terminators break regardless since CJK prose has no spaces.
		if i < len(runes) && runes[i] != ' ' && !fullWidth {
			continue
		}
		unit := strings.TrimSpace(string(runes[start:i]))
		if unit != "" {
			units = append(units, unit)
		}
		for i < len(runes) && runes[i] == ' ' {
			i++
		}
		start = i
	}
	if start < len(runes) {
		unit := strings.TrimSpace(string(runes[start:]))
		if unit != "" {
			units = append(units, unit)
		}
	}
	return units
}

// isCJK reports whether r belongs to a script estimated per character.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// estimateSeconds estimates spoken duration. Mixed text accumulates the
// word-based and character-based rates.
func estimateSeconds(text string, wpm float64) float64 {
	var words, cjkChars int
	for _, field := range strings.Fields(text) {
		hasWordRunes := false
		for _, r := range field {
			if isCJK(r) {
				cjkChars++
			} else if unicode.IsLetter(r) || unicode.IsNumber(r) {
				hasWordRunes = true
			}
		}
		if hasWordRunes {
			words++
		}
	}
	return float64(words)/wpm*60 + float64(cjkChars)/cjkCharsPerMinute*60
}

// clauseDelimiters mark secondary split points inside an oversize
// sentence.
func isClauseDelimiter(r rune) bool {
	switch r {
	case ',', ';', ':', '、', '，', '；', '：', '—':
		return true
	}
	return false
}

// conjunctions usable as split points when clause punctuation is not
// enough.
var conjunctions = []string{" and ", " but ", " or ", " nor ", " so ", " because ", " while ", " whereas "}

// splitOversize breaks a unit whose estimate exceeds the cap: first on
// clause punctuation, then on conjunctions, finally by fixed word (or
// character) count.
func splitOversize(unit string, wpm, limit float64) ([]string, error) {
	var out []string
	for _, clause := range splitClauses(unit) {
		if estimateSeconds(clause, wpm) <= limit {
			out = append(out, clause)
			continue
		}
		for _, part := range splitConjunctions(clause) {
			if estimateSeconds(part, wpm) <= limit {
				out = append(out, part)
				continue
			}
			fixed, err := splitFixed(part, wpm, limit)
			if err != nil {
				return nil, err
			}
			out = append(out, fixed...)
		}
	}
	return out, nil
}

// splitClauses cuts a unit after clause punctuation, keeping the
// delimiter attached.
func splitClauses(unit string) []string {
	var out []string
	runes := []rune(unit)
	start := 0
	for i, r := range runes {
		if isClauseDelimiter(r) {
			clause := strings.TrimSpace(string(runes[start : i+1]))
			if clause != "" {
				out = append(out, clause)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		clause := strings.TrimSpace(string(runes[start:]))
		if clause != "" {
			out = append(out, clause)
		}
	}
	return out
}

// splitConjunctions cuts a clause before coordinating conjunctions.
func splitConjunctions(clause string) []string {
	parts := []string{clause}
	for _, conj := range conjunctions {
		var next []string
		for _, part := range parts {
			lower := strings.ToLower(part)
			start := 0
			for {
				idx := strings.Index(lower[start:], conj)
				if idx < 0 {
					break
				}
				cut := start + idx
				next = append(next, strings.TrimSpace(part[:cut]))
				part = part[cut+1:] // keep the conjunction with the tail
				lower = strings.ToLower(part)
				start = 0
			}
			if strings.TrimSpace(part) != "" {
				next = append(next, strings.TrimSpace(part))
			}
		}
		parts = next
	}
	return parts
}

// splitFixed is the last resort: group words (or CJK characters) into
// pieces sized to fit the cap.
func splitFixed(part string, wpm, limit float64) ([]string, error) {
	fields := strings.Fields(part)
	if len(fields) > 1 {
		maxWords := int(limit * wpm / 60)
		if maxWords < 1 {
			maxWords = 1
		}
		var out []string
		for start := 0; start < len(fields); start += maxWords {
			end := start + maxWords
			if end > len(fields) {
				end = len(fields)
			}
			piece := strings.Join(fields[start:end], " ")
			if estimateSeconds(piece, wpm) > limit {
				return nil, ErrChunkOverflow
			}
			out = append(out, piece)
		}
		return out, nil
	}

	// Single token: divisible only if character-estimated.
	runes := []rune(part)
	maxChars := int(limit * cjkCharsPerMinute / 60)
	if maxChars < 1 || estimateSeconds(part, wpm) <= limit {
		return []string{part}, nil
	}
	hasCJK := false
	for _, r := range runes {
		if isCJK(r) {
			hasCJK = true
			break
		}
	}
	if !hasCJK {
		return nil, ErrChunkOverflow
	}
	var out []string
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out, nil
}

// pack greedily groups units into chunks whose estimates stay at or
// below the target.
func pack(units []string, wpm, target, limit float64) []Chunk {
	var chunks []Chunk
	var current []string
	var sum float64

	flush := func() {
		if len(current) == 0 {
			return
		}
		dur := int(math.Ceil(sum))
		if dur < 1 {
			dur = 1
		}
		if dur > int(limit) {
			dur = int(limit)
		}
		chunks = append(chunks, Chunk{
			Text:        strings.Join(current, " "),
			DurationSec: dur,
		})
		current = current[:0]
		sum = 0
	}

	for _, unit := range units {
		est := estimateSeconds(unit, wpm)
		if len(current) > 0 && sum+est > target {
			flush()
		}
		current = append(current, unit)
		sum += est
	}
	flush()

	return chunks
}
