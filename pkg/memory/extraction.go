package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

var (
	prefRegex     = regexp.MustCompile(`(?i)\b(i (?:really )?(?:like|love|prefer|hate|dislike|enjoy)\b[^.!?\n]*)`)
	skillRegex    = regexp.MustCompile(`(?i)\b(i (?:can|know how to|am good at|work with|use|play|write|speak)\b[^.!?\n]{3,160})`)
	goalRegex     = regexp.MustCompile(`(?i)\b(i (?:want to|plan to|am trying to|aim to|need to|hope to)\b[^.!?\n]{3,160})`)
	identityRegex = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z0-9 _\-]{2,50})`)
	locationRegex = regexp.MustCompile(`(?i)\b(?:my timezone is|i live in|i am based in|i'm based in)\s+([A-Za-z0-9_\-/:+ ]{2,80})`)
	factRegex     = regexp.MustCompile(`(?i)\b(i (?:am|have|had|work on|build|built|maintain|live in|own|run|study|studied)\b[^.!?\n]{4,160})`)

	questionLeadRegex = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|can|could|would|do|does|did|is|are|am)\b`)
	persistenceCue    = regexp.MustCompile(`(?i)\b(?:remember|note|save|my name is|my timezone is|call me)\b`)
)

// ExtractFacts derives durable ExtractedMemory facts from one user
// message. Purely heuristic; the background indexer runs it off the
// request path. Questions without an explicit persistence cue produce no
// facts.
func ExtractFacts(userID string, msg Message) []ExtractedMemory {
	content := strings.TrimSpace(msg.Content)
	if content == "" || msg.Role != RoleUser {
		return nil
	}
	if isLikelyQuestion(content) && !persistenceCue.MatchString(content) {
		return nil
	}

	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	facts := []ExtractedMemory{}
	seen := map[string]struct{}{}
	add := func(t FactType, key, text string, confidence float64) {
		text = normalizePhrase(text)
		if text == "" {
			return
		}
		dedupe := string(t) + "|" + key
		if _, ok := seen[dedupe]; ok {
			return
		}
		seen[dedupe] = struct{}{}
		facts = append(facts, ExtractedMemory{
			UserID:        userID,
			Type:          t,
			Key:           key,
			Content:       text,
			Confidence:    confidence,
			ExtractedFrom: msg.ID,
			Timestamp:     now,
		})
	}

	for _, m := range prefRegex.FindAllStringSubmatch(content, -1) {
		if len(m) >= 2 {
			add(FactPreference, contentKey("pref", m[1]), m[1], 0.8)
		}
	}
	for _, m := range skillRegex.FindAllStringSubmatch(content, -1) {
		if len(m) >= 2 {
			add(FactSkill, contentKey("skill", m[1]), m[1], 0.7)
		}
	}
	for _, m := range goalRegex.FindAllStringSubmatch(content, -1) {
		if len(m) >= 2 {
			add(FactGoal, contentKey("goal", m[1]), m[1], 0.65)
		}
	}
	for _, m := range identityRegex.FindAllStringSubmatch(content, -1) {
		if len(m) >= 2 {
			add(FactFact, "identity/name", "User name: "+normalizePhrase(m[1]), 0.75)
		}
	}
	for _, m := range locationRegex.FindAllStringSubmatch(content, -1) {
		if len(m) >= 2 {
			add(FactContext, "profile/location", "User location/timezone: "+normalizePhrase(m[1]), 0.7)
		}
	}
	for _, m := range factRegex.FindAllStringSubmatch(content, -1) {
		if len(m) >= 2 {
			add(FactFact, contentKey("fact", m[1]), m[1], 0.72)
		}
	}

	if len(facts) > 16 {
		facts = facts[:16]
	}
	return facts
}

func contentKey(prefix, phrase string) string {
	h := sha1.Sum([]byte(strings.ToLower(normalizePhrase(phrase))))
	return prefix + "/" + hex.EncodeToString(h[:8])
}

func normalizePhrase(in string) string {
	in = strings.TrimSpace(in)
	in = strings.Trim(in, " .,!?:;\"'")
	if len(in) < 2 {
		return ""
	}
	if len(in) > 180 {
		in = strings.TrimSpace(in[:180])
	}
	return in
}

func isLikelyQuestion(content string) bool {
	if strings.Contains(content, "?") {
		return true
	}
	return questionLeadRegex.MatchString(content)
}
