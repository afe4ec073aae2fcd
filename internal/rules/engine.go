package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"ideamic/internal/domain"
)

// Matcher reports whether a transcript belongs to a rule.
type Matcher interface {
	Match(text string) bool
}

// MatcherParser parses the matcher part of one rule line.
type MatcherParser interface {
	CanParse(expr string) bool
	Parse(expr string) (Matcher, error)
}

type rule struct {
	kind    domain.EntryKind
	matcher Matcher
}

// Engine routes transcripts to entry kinds using rules loaded from a file.
// Each line reads "kind: matcher"; the first matching rule wins.
type Engine struct {
	rules       []rule
	defaultKind domain.EntryKind
}

// NewEngine loads rules from path using the built-in parsers. A missing file
// yields an engine that files everything under defaultKind.
func NewEngine(path string, defaultKind domain.EntryKind) (*Engine, error) {
	return NewEngineWithParsers(path, defaultKind, defaultParsers())
}

// NewEngineWithParsers allows matcher extension without engine changes.
func NewEngineWithParsers(path string, defaultKind domain.EntryKind, parsers []MatcherParser) (*Engine, error) {
	if defaultKind == "" {
		defaultKind = domain.EntryIdea
	}
	if _, ok := domain.ParseEntryKind(string(defaultKind)); !ok {
		return nil, fmt.Errorf("unknown default entry kind %q", defaultKind)
	}
	if len(parsers) == 0 {
		parsers = defaultParsers()
	}

	engine := &Engine{defaultKind: defaultKind}
	if strings.TrimSpace(path) == "" {
		return engine, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine, nil
		}
		return nil, fmt.Errorf("read rules file %q: %w", path, err)
	}

	rules, err := parseRules(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	engine.rules = rules
	return engine, nil
}

// Classify returns the kind of the first matching rule.
func (e *Engine) Classify(text string) (domain.EntryKind, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	for _, r := range e.rules {
		if r.matcher.Match(text) {
			return r.kind, nil
		}
	}
	return e.defaultKind, nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

func parseRules(contents string, parsers []MatcherParser) ([]rule, error) {
	lines := strings.Split(contents, "\n")
	rules := make([]rule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, expr, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("line %d: expected \"kind: matcher\"", index+1)
		}
		kind, ok := domain.ParseEntryKind(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("line %d: unknown entry kind %q", index+1, strings.TrimSpace(name))
		}
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return nil, fmt.Errorf("line %d: empty matcher", index+1)
		}

		parsed := false
		for _, parser := range parsers {
			if !parser.CanParse(expr) {
				continue
			}
			matcher, err := parser.Parse(expr)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", index+1, err)
			}
			rules = append(rules, rule{kind: kind, matcher: matcher})
			parsed = true
			break
		}
		if !parsed {
			return nil, fmt.Errorf("line %d: unsupported matcher format", index+1)
		}
	}

	return rules, nil
}

func defaultParsers() []MatcherParser {
	return []MatcherParser{regexParser{}, phraseParser{}}
}

type phraseParser struct{}

func (phraseParser) CanParse(expr string) bool {
	return expr != ""
}

func (phraseParser) Parse(expr string) (Matcher, error) {
	return parsePhrase(expr)
}

type regexParser struct{}

func (regexParser) CanParse(expr string) bool {
	return len(expr) > 1 && expr[0] == '/'
}

func (regexParser) Parse(expr string) (Matcher, error) {
	return parseRegex(expr)
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) Match(text string) bool {
	return m.re.MatchString(text)
}

// parsePhrase matches the phrase as whole words, ignoring case.
func parsePhrase(expr string) (Matcher, error) {
	words := strings.Fields(expr)
	if len(words) == 0 {
		return nil, errors.New("phrase cannot be empty")
	}
	quoted := make([]string, 0, len(words))
	for _, word := range words {
		quoted = append(quoted, regexp.QuoteMeta(word))
	}
	re, err := regexp.Compile(`(?i)(^|\W)` + strings.Join(quoted, `\s+`) + `($|\W)`)
	if err != nil {
		return nil, fmt.Errorf("invalid phrase: %w", err)
	}
	return regexMatcher{re: re}, nil
}

// parseRegex reads "/pattern/flags". Matching is case-insensitive unless the
// "c" flag asks for case sensitivity.
func parseRegex(expr string) (Matcher, error) {
	pattern, pos, err := parseDelimited(expr, 1, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	if pattern == "" {
		return nil, errors.New("regex pattern cannot be empty")
	}

	ignoreCase := true
	prefix := ""
	for _, flag := range strings.TrimSpace(expr[pos:]) {
		switch flag {
		case 'i':
			ignoreCase = true
		case 'c':
			ignoreCase = false
		case 'm', 's':
			prefix += string(flag)
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}
	if ignoreCase {
		prefix = "i" + prefix
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return regexMatcher{re: re}, nil
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			// An escaped delimiter is literal; other escapes belong to the regex.
			if char != delim {
				builder.WriteByte('\\')
			}
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}
