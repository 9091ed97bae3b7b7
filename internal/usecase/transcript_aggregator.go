package usecase

import (
	"strings"
	"unicode"

	"rehabchat/internal/domain"
)

// transcriptAggregator collects the final segments of one utterance.
// Recognizers split a long utterance into several final segments before
// marking the end of speech.
type transcriptAggregator struct {
	finals []string
}

func newTranscriptAggregator() *transcriptAggregator {
	return &transcriptAggregator{}
}

// Add records event and reports whether the utterance is complete.
func (a *transcriptAggregator) Add(event domain.TranscriptEvent) bool {
	if event.Kind != domain.TranscriptKindFinal {
		return false
	}
	if text := strings.TrimSpace(event.Text); text != "" {
		a.finals = append(a.finals, text)
	}
	return event.IsSpeechFinal
}

// Raw joins the collected segments. Segments are separated by a space only
// when both sides of the seam are non-CJK.
func (a *transcriptAggregator) Raw() string {
	var b strings.Builder
	for i, segment := range a.finals {
		if i > 0 && needsSpace(a.finals[i-1], segment) {
			b.WriteByte(' ')
		}
		b.WriteString(segment)
	}
	return b.String()
}

func needsSpace(left string, right string) bool {
	l := []rune(left)
	r := []rune(right)
	if len(l) == 0 || len(r) == 0 {
		return false
	}
	return !isCJK(l[len(l)-1]) && !isCJK(r[0])
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}
