package safety

import "regexp"

var (
	emailPattern = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)
	promptPhrase = regexp.MustCompile(`(?i)\b(ignore previous instructions|disregard all prior rules)\b`)
)

// Content flags reported to the caller when a scan fails.
const (
	FlagContainsEmail          = "contains_email"
	FlagContainsPhone          = "contains_phone"
	FlagPromptInjectionPhrase  = "prompt_injection_phrase"
)

type Result struct {
	Safe  bool
	Flags []string
}

// Scan checks user-authored content before it is published. PII leaks and
// injection phrases block; everything else passes.
func Scan(text string) Result {
	var flags []string
	if emailPattern.MatchString(text) {
		flags = append(flags, FlagContainsEmail)
	}
	if phonePattern.MatchString(text) {
		flags = append(flags, FlagContainsPhone)
	}
	if promptPhrase.MatchString(text) {
		flags = append(flags, FlagPromptInjectionPhrase)
	}
	return Result{Safe: len(flags) == 0, Flags: flags}
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?prior\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?prior\s+(rules|instructions|prompts)`),
	regexp.MustCompile(`(?i)reveal\s+(system\s+prompt|api\s+key|passphrase|secret|credentials)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions|rules|context)`),
	regexp.MustCompile(`(?i)override\s+(all\s+)?(safety|security|previous|prior)\s*(filters|rules|instructions)?`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)system\s*:\s*`),
	regexp.MustCompile(`(?i)\]\s*\}\s*\{?\s*"?role"?\s*:\s*"?system`),
}

// HasInjectionRisk flags text that smells like a prompt-injection attempt.
// Risk is logged for the audit trail; it does not block on its own.
func HasInjectionRisk(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
