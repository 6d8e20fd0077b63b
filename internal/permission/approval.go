package permission

import "strings"

// approvalWords match when the reply equals the word or starts with it
// followed by a space, period, or comma.
var approvalWords = []string{
	"yes", "y", "yep", "yeah", "yup",
	"approved", "approve", "approval",
	"ok", "okay", "k",
	"sure", "fine", "good",
	"proceed", "continue", "go ahead", "do it", "execute", "run it",
	"confirm", "confirmed", "allow", "permit", "authorized",
}

// approvalPhrases match anywhere in the reply.
var approvalPhrases = []string{
	"go ahead", "go for it", "sounds good", "looks good", "that works",
	"let's do it", "please proceed", "please continue", "yes please",
	"absolutely", "definitely",
}

var denialWords = []string{
	"no", "n", "nope", "nah",
	"deny", "denied", "reject", "rejected",
	"cancel", "stop", "don't", "do not",
	"decline", "declined", "negative",
}

// IsApproval reports whether a client reply grants the pending permission.
func IsApproval(reply string) bool {
	s := strings.ToLower(strings.TrimSpace(reply))
	if s == "" {
		return false
	}
	if matchesWord(s, approvalWords) {
		return true
	}
	for _, phrase := range approvalPhrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

// IsDenial reports whether a client reply explicitly refuses the pending
// permission. Replies that are neither approval nor denial are treated as a
// new conversational turn.
func IsDenial(reply string) bool {
	s := strings.ToLower(strings.TrimSpace(reply))
	if s == "" {
		return false
	}
	return matchesWord(s, denialWords)
}

func matchesWord(s string, words []string) bool {
	for _, w := range words {
		if s == w {
			return true
		}
		if strings.HasPrefix(s, w) {
			switch s[len(w)] {
			case ' ', '.', ',':
				return true
			}
		}
	}
	return false
}
