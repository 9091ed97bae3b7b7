// Package rules normalizes recognized utterances before they are shown as
// input. A rules file holds one rule per line:
//
//	是的 => 是
//	s/[。！？]+$//g
//
// Blank lines and lines starting with # are ignored.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultRules strip the sentence punctuation recognizers append to short
// answers, so "是。" submits as "是".
const DefaultRules = `s/[\s。．.!！?？,，、；;]+$//g
s/^[\s]+//g`

type rule interface {
	rewrite(input string) (string, bool)
}

// Engine applies substitution rules until the text stops changing.
type Engine struct {
	rules []rule
	limit int
}

// NewEngine compiles DefaultRules followed by the rules in path. A missing
// file is not an error.
func NewEngine(path string, limit int) (*Engine, error) {
	if limit <= 0 {
		limit = 30
	}
	rules, err := Parse(DefaultRules)
	if err != nil {
		return nil, err
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return &Engine{rules: rules, limit: limit}, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{rules: rules, limit: limit}, nil
		}
		return nil, fmt.Errorf("read rules file %q: %w", path, err)
	}
	custom, err := Parse(string(contents))
	if err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	return &Engine{rules: append(rules, custom...), limit: limit}, nil
}

// Apply rewrites text with every rule, repeating until a fixed point or the
// iteration limit.
func (e *Engine) Apply(text string) (string, error) {
	result := text
	for i := 0; i < e.limit; i++ {
		changed := false
		for _, r := range e.rules {
			if next, ok := r.rewrite(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}
	return result, nil
}

// Parse compiles rule lines.
func Parse(contents string) ([]rule, error) {
	var out []rule
	for index, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var (
			r   rule
			err error
		)
		switch {
		case isPatternRule(line):
			r, err = parsePattern(line)
		case strings.Contains(line, "=>"):
			r, err = parseLiteral(line)
		default:
			err = errors.New("unsupported rule format")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

type literal struct {
	from string
	to   string
}

func parseLiteral(line string) (rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}
	return literal{from: from, to: strings.TrimSpace(to)}, nil
}

func (l literal) rewrite(input string) (string, bool) {
	if !strings.Contains(input, l.from) {
		return input, false
	}
	output := strings.ReplaceAll(input, l.from, l.to)
	return output, output != input
}

type pattern struct {
	re     *regexp.Regexp
	repl   string
	global bool
}

// parsePattern reads s<d>re<d>repl<d>flags where <d> is any
// non-alphanumeric delimiter.
func parsePattern(line string) (rule, error) {
	delim := line[1]
	expr, next, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	repl, next, err := readDelimited(line, next, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement: %w", err)
	}

	global := false
	var flags strings.Builder
	for _, flag := range strings.TrimSpace(line[next:]) {
		switch flag {
		case 'g':
			global = true
		case 'i', 'm', 's':
			flags.WriteRune(flag)
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}
	if flags.Len() > 0 {
		expr = "(?" + flags.String() + ")" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return pattern{re: re, repl: repl, global: global}, nil
}

func (p pattern) rewrite(input string) (string, bool) {
	if p.global {
		output := p.re.ReplaceAllString(input, p.repl)
		return output, output != input
	}
	loc := p.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	replaced := string(p.re.ExpandString(nil, p.repl, input, loc))
	output := input[:loc[0]] + replaced + input[loc[1]:]
	return output, output != input
}

func readDelimited(line string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	for i := start; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			b.WriteByte(c)
			b.WriteByte(line[i+1])
			i++
		case c == delim:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isPatternRule(line string) bool {
	if len(line) < 2 || line[0] != 's' {
		return false
	}
	c := line[1]
	alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
	return !alnum && c != ' ' && c != '\t' && c < 0x80
}
