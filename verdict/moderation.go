package verdict

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/authexity/scraper/services"
	"github.com/authexity/scraper/services/sightengine"
)

// DefaultModerationThreshold is the class score above which text is flagged
const DefaultModerationThreshold = 0.05

// Mask replaces flagged words in sanitized text
const Mask = "****"

// TextModeration is the moderation verdict for a piece of text
type TextModeration struct {
	Score         float64  `json:"moderation_score"` // 0 to 100
	FlaggedWords  []string `json:"flagged_words"`
	SanitizedText string   `json:"sanitized_text"`
	Warnings      []string `json:"warnings"`
}

// ModerateText classifies text and masks the flagged class names in it.
// A failed service call degrades to a zero score with a warning.
func (v *Service) ModerateText(ctx context.Context, text string) (*TextModeration, error) {
	if v.moderator == nil {
		return nil, notConfigured(sightengine.ServiceName)
	}
	if strings.TrimSpace(text) == "" {
		return nil, &InputError{Field: "text", Reason: "must not be empty"}
	}

	result, err := v.moderator.ModerateText(ctx, text, v.config.Language)
	if err != nil {
		if errors.Is(err, services.ErrNotConfigured) {
			return nil, err
		}
		slog.Warn("text moderation failed", "error", err)
		return degradedModeration(text, "Failed to analyze: "+err.Error()), nil
	}
	if !result.Successful() {
		slog.Warn("text moderation unsuccessful", "status", result.Status, "detail", result.Error)
		return degradedModeration(text, "API returned an unsuccessful status"), nil
	}

	return moderate(text, result.Classes, v.config.ModerationThreshold), nil
}

func moderate(text string, classes map[string]float64, threshold float64) *TextModeration {
	out := &TextModeration{
		FlaggedWords:  []string{},
		SanitizedText: text,
		Warnings:      []string{},
	}

	var total float64
	for class, score := range classes {
		if score > threshold {
			out.FlaggedWords = append(out.FlaggedWords, class)
			total += score * 100
		}
	}
	if len(out.FlaggedWords) == 0 {
		return out
	}

	sort.Strings(out.FlaggedWords)
	out.Score = math.Min(total, 100)
	out.SanitizedText = maskWords(text, out.FlaggedWords)
	out.Warnings = append(out.Warnings, "Text contains inappropriate content")
	return out
}

func maskWords(text string, words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	pattern := regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
	return pattern.ReplaceAllLiteralString(text, Mask)
}

func degradedModeration(text, warning string) *TextModeration {
	return &TextModeration{
		FlaggedWords:  []string{},
		SanitizedText: text,
		Warnings:      []string{warning},
	}
}

// ModerateImage runs the named Sightengine image models and returns their raw response
func (v *Service) ModerateImage(ctx context.Context, media sightengine.Media, models []string) (map[string]any, error) {
	if v.moderator == nil {
		return nil, notConfigured(sightengine.ServiceName)
	}
	if len(media.Data) == 0 {
		return nil, &InputError{Field: "media", Reason: "must not be empty"}
	}
	if len(models) == 0 {
		return nil, &InputError{Field: "models", Reason: "at least one model is required"}
	}
	return v.moderator.CheckImage(ctx, media, models)
}
