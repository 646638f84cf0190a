package conversation

import (
	"strconv"
	"strings"
	"unicode"
)

// ReplyKind classifies an inbound SMS body.
type ReplyKind int

const (
	ReplyUnrecognized ReplyKind = iota
	ReplyOptOut
	ReplyYes
	ReplyNo
	ReplyHelp
	ReplyDigit
)

// ParsedReply is the result of parsing one inbound body. Index is set only
// for ReplyDigit.
type ParsedReply struct {
	Kind  ReplyKind
	Index int
}

// optOutTokens are carrier-mandated hard opt-outs. Matching any of them
// revokes consent regardless of conversation state.
var optOutTokens = map[string]bool{
	"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true,
	"CANCEL": true, "END": true, "QUIT": true,
}

// ParseReply normalizes the body (trim, uppercase, strip punctuation) and
// matches in precedence order: opt-out, yes, no, help, leading digit run,
// unrecognized.
func ParseReply(body string) ParsedReply {
	norm := normalize(body)
	if norm == "" {
		return ParsedReply{Kind: ReplyUnrecognized}
	}
	// Opt-out matches on the first word too, so "STOP 2" still revokes.
	if first, _, _ := strings.Cut(norm, " "); optOutTokens[first] {
		return ParsedReply{Kind: ReplyOptOut}
	}
	switch norm {
	case "YES", "Y":
		return ParsedReply{Kind: ReplyYes}
	case "NO", "N":
		return ParsedReply{Kind: ReplyNo}
	case "HELP", "INFO":
		return ParsedReply{Kind: ReplyHelp}
	}
	if n, ok := leadingInt(norm); ok {
		return ParsedReply{Kind: ReplyDigit, Index: n}
	}
	return ParsedReply{Kind: ReplyUnrecognized}
}

func normalize(body string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(body) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// leadingInt parses the first run of digits in s. A zero index is returned
// as a digit reply so the engine can answer it with an out-of-range preface.
func leadingInt(s string) (int, bool) {
	i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return 0, false
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j-i > 4 {
		return 0, false
	}
	n, err := strconv.Atoi(s[i:j])
	if err != nil {
		return 0, false
	}
	return n, true
}
