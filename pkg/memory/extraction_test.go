package memory

import (
	"strings"
	"testing"
	"time"
)

func userMsg(content string) Message {
	return Message{ID: "m1", Role: RoleUser, Content: content, Timestamp: time.Now()}
}

func factsOfType(facts []ExtractedMemory, t FactType) []ExtractedMemory {
	var out []ExtractedMemory
	for _, f := range facts {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func TestExtractFacts_Preference(t *testing.T) {
	facts := ExtractFacts("u1", userMsg("I love hiking in the mountains."))

	prefs := factsOfType(facts, FactPreference)
	if len(prefs) != 1 {
		t.Fatalf("got %d preference facts, want 1: %+v", len(prefs), facts)
	}
	if !strings.Contains(strings.ToLower(prefs[0].Content), "hiking") {
		t.Errorf("preference content = %q, should mention hiking", prefs[0].Content)
	}
	if prefs[0].Confidence != 0.8 {
		t.Errorf("preference confidence = %v, want 0.8", prefs[0].Confidence)
	}
	if prefs[0].UserID != "u1" {
		t.Errorf("user id = %q, want u1", prefs[0].UserID)
	}
	if prefs[0].ExtractedFrom != "m1" {
		t.Errorf("extracted from = %q, want m1", prefs[0].ExtractedFrom)
	}
}

func TestExtractFacts_SkillAndGoal(t *testing.T) {
	facts := ExtractFacts("u1", userMsg("I can speak three languages and I want to learn Japanese next year."))

	if got := factsOfType(facts, FactSkill); len(got) == 0 {
		t.Errorf("expected a skill fact, got %+v", facts)
	}
	if got := factsOfType(facts, FactGoal); len(got) == 0 {
		t.Errorf("expected a goal fact, got %+v", facts)
	}
}

func TestExtractFacts_Identity(t *testing.T) {
	facts := ExtractFacts("u1", userMsg("My name is Ada"))

	found := false
	for _, f := range facts {
		if f.Key == "identity/name" {
			found = true
			if !strings.Contains(f.Content, "Ada") {
				t.Errorf("identity content = %q, should contain Ada", f.Content)
			}
		}
	}
	if !found {
		t.Fatalf("no identity fact extracted: %+v", facts)
	}
}

func TestExtractFacts_Location(t *testing.T) {
	facts := ExtractFacts("u1", userMsg("I live in Lisbon, working remotely."))

	found := false
	for _, f := range facts {
		if f.Key == "profile/location" {
			found = true
			if !strings.Contains(f.Content, "Lisbon") {
				t.Errorf("location content = %q, should contain Lisbon", f.Content)
			}
		}
	}
	if !found {
		t.Fatalf("no location fact extracted: %+v", facts)
	}
}

func TestExtractFacts_SkipsQuestions(t *testing.T) {
	if facts := ExtractFacts("u1", userMsg("What do I like to eat?")); len(facts) != 0 {
		t.Errorf("question should not produce facts, got %+v", facts)
	}
	// A question with an explicit persistence cue still extracts.
	facts := ExtractFacts("u1", userMsg("Can you remember that my name is Grace?"))
	if len(facts) == 0 {
		t.Error("persistence cue should override the question filter")
	}
}

func TestExtractFacts_IgnoresNonUserRoles(t *testing.T) {
	msg := Message{ID: "m2", Role: RoleAssistant, Content: "I love helping with hiking plans."}
	if facts := ExtractFacts("u1", msg); len(facts) != 0 {
		t.Errorf("assistant message should not produce facts, got %+v", facts)
	}
}

func TestExtractFacts_DeduplicatesRepeatedPhrase(t *testing.T) {
	facts := ExtractFacts("u1", userMsg("I love sushi. I love sushi."))
	if got := factsOfType(facts, FactPreference); len(got) != 1 {
		t.Errorf("repeated phrase should collapse to one fact, got %d", len(got))
	}
}

func TestFormatProfile_SectionsAndOrder(t *testing.T) {
	now := time.Now()
	facts := []ExtractedMemory{
		{Type: FactFact, Content: "I am a backend engineer", Confidence: 0.72, Timestamp: now},
		{Type: FactPreference, Content: "I like green tea", Confidence: 0.6, Timestamp: now},
		{Type: FactPreference, Content: "I love sushi", Confidence: 0.8, Timestamp: now},
	}

	profile := FormatProfile(facts)
	if profile == "" {
		t.Fatal("profile should not be empty")
	}

	prefIdx := strings.Index(profile, "Preferences:")
	factIdx := strings.Index(profile, "Facts:")
	if prefIdx == -1 || factIdx == -1 {
		t.Fatalf("profile missing sections:\n%s", profile)
	}
	if prefIdx > factIdx {
		t.Errorf("Preferences should render before Facts:\n%s", profile)
	}
	// Within a section, higher confidence comes first.
	sushi := strings.Index(profile, "I love sushi")
	tea := strings.Index(profile, "I like green tea")
	if sushi == -1 || tea == -1 || sushi > tea {
		t.Errorf("higher-confidence preference should come first:\n%s", profile)
	}
}

func TestFormatProfile_Empty(t *testing.T) {
	if got := FormatProfile(nil); got != "" {
		t.Errorf("empty input should yield empty profile, got %q", got)
	}
	if got := FormatProfile([]ExtractedMemory{{Type: FactFact, Content: "   "}}); got != "" {
		t.Errorf("blank facts should yield empty profile, got %q", got)
	}
}
