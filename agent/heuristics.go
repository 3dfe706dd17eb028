package agent

import (
	"regexp"
	"strings"
)

// Conversation modes
const (
	ModeTherapist  = "therapist"
	ModeDecision   = "decision"
	ModeBrainstorm = "brainstorm"
	ModeCasual     = "casual"
)

// Emotional tags
const (
	TagAnxious  = "anxious"
	TagPositive = "positive"
	TagNeutral  = "neutral"
)

type modeRule struct {
	mode     string
	patterns []*regexp.Regexp
}

// modeRules are checked in order; the first pattern that matches wins
var modeRules = []modeRule{
	{ModeTherapist, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(anxious|anxiety|panic|overwhelmed|depressed|lonely|burn(?:out|ed)?)\b`),
		regexp.MustCompile(`(?i)\b(feel|feeling|emotion|cope|struggle|help me|talk)\b`),
	}},
	{ModeDecision, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(decide|decision|choose|option|pros?/?cons?|trade[- ]?off|should I)\b`),
	}},
	{ModeBrainstorm, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(idea|ideas|brainstorm|creativ|how might we|what if)\b`),
	}},
}

var (
	positiveWords = regexp.MustCompile(`(?i)\b(happy|relieved|proud|excited|optimistic|grateful)\b`)
	negativeWords = regexp.MustCompile(`(?i)\b(sad|anxious|stressed|worried|angry|upset|tired|burn(?:ed|out))\b`)
)

// DetectMode suggests how the persona should approach a message
func DetectMode(message string) string {
	for _, rule := range modeRules {
		for _, p := range rule.patterns {
			if p.MatchString(message) {
				return rule.mode
			}
		}
	}
	return ModeCasual
}

// TagEmotion labels text; negative language takes precedence
func TagEmotion(text string) string {
	switch {
	case text == "":
		return TagNeutral
	case negativeWords.MatchString(text):
		return TagAnxious
	case positiveWords.MatchString(text):
		return TagPositive
	default:
		return TagNeutral
	}
}

// SentimentScore is (pos-neg)/(pos+neg) over emotion words, 0 when none occur
func SentimentScore(text string) float64 {
	pos := len(positiveWords.FindAllStringIndex(text, -1))
	neg := len(negativeWords.FindAllStringIndex(text, -1))
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// Safety is the verdict of the crisis language scan
type Safety struct {
	Flagged bool   `json:"crisis"`
	Note    string `json:"note"`
}

const (
	safetyNoteFlagged = "Crisis language detected."
	safetyNoteClear   = "clear"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

// normalizeForScan lowercases text and folds typographic apostrophes
func normalizeForScan(s string) string {
	return apostrophes.Replace(strings.ToLower(s))
}

// ScanSafety reports whether message contains any crisis phrase
func ScanSafety(message string, phrases []string) Safety {
	text := normalizeForScan(message)
	for _, phrase := range phrases {
		p := normalizeForScan(strings.TrimSpace(phrase))
		if p != "" && strings.Contains(text, p) {
			return Safety{Flagged: true, Note: safetyNoteFlagged}
		}
	}
	return Safety{Note: safetyNoteClear}
}
