// Package llmjson recovers a JSON object from free-form language model output.
//
// Models asked for bare JSON still wrap it in prose or Markdown fences. The
// strategies below are tried in order and the first that yields an object wins:
//
//	direct  the whole text
//	fenced  the interior of the first ``` or ```json block
//	brace   the span from the first '{' to the last '}'
//
// When none succeeds the caller gets a *ParseError; no default value is ever
// substituted.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Strategy names the step that produced a parsed value
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyFenced Strategy = "fenced"
	StrategyBrace  Strategy = "brace"
	// StrategyNone is reported alongside a parse failure
	StrategyNone Strategy = "failed"
)

// ExcerptChars bounds the offending text carried by a ParseError
const ExcerptChars = 100

var (
	// ErrUnparseable matches every *ParseError
	ErrUnparseable = errors.New("model response is not a JSON object")
	// ErrInvalid matches every *ValidationError
	ErrInvalid = errors.New("model response failed validation")
)

var (
	fencePattern = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")
	bracePattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseError reports text that no strategy could parse
type ParseError struct {
	Raw     string
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse model response %q: %v", e.Excerpt, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrUnparseable, e.Err}
}

// ValidationError reports a parsed value rejected by its Validate method
type ValidationError struct {
	Strategy Strategy
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid model response: %v", e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrInvalid, e.Err}
}

// Validator is implemented by decode targets that check their own fields
type Validator interface {
	Validate() error
}

// Result is a normalized object and the strategy that recovered it
type Result struct {
	Value    map[string]any `json:"value"`
	Strategy Strategy       `json:"strategy"`
}

// Normalize parses text into a generic JSON object
func Normalize(text string) (Result, error) {
	value, strategy, err := Decode[map[string]any](text)
	if err != nil {
		return Result{Strategy: strategy}, err
	}
	return Result{Value: value, Strategy: strategy}, nil
}

// Decode parses text into T using the first strategy that yields a JSON
// object. If T or *T implements Validator the decoded value is validated.
func Decode[T any](text string) (T, Strategy, error) {
	var zero T
	lastErr := errors.New("no JSON object found")

	for _, c := range candidates(text) {
		if !strings.HasPrefix(c.text, "{") {
			continue
		}
		var value T
		if err := json.Unmarshal([]byte(c.text), &value); err != nil {
			lastErr = err
			continue
		}
		if err := validate(&value); err != nil {
			return zero, c.strategy, &ValidationError{Strategy: c.strategy, Err: err}
		}
		return value, c.strategy, nil
	}

	return zero, StrategyNone, &ParseError{
		Raw:     text,
		Excerpt: excerpt(text),
		Err:     lastErr,
	}
}

type candidate struct {
	strategy Strategy
	text     string
}

func candidates(text string) []candidate {
	out := []candidate{{StrategyDirect, strings.TrimSpace(text)}}
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		out = append(out, candidate{StrategyFenced, strings.TrimSpace(m[1])})
	}
	if span := bracePattern.FindString(text); span != "" {
		out = append(out, candidate{StrategyBrace, span})
	}
	return out
}

func validate[T any](value *T) error {
	if v, ok := any(value).(Validator); ok {
		return v.Validate()
	}
	if v, ok := any(*value).(Validator); ok {
		return v.Validate()
	}
	return nil
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) > ExcerptChars {
		return string(runes[:ExcerptChars])
	}
	return text
}
