package verdict

import (
	"context"
	"math"
	"sort"

	"github.com/authexity/scraper/links"
	"github.com/authexity/scraper/services/virustotal"
)

// SafetyPolicy decides when a scanned URL is unsafe and how its score is weighted
type SafetyPolicy struct {
	MaliciousThreshold  int // Unsafe when more engines than this flag it malicious
	SuspiciousThreshold int // Unsafe when more engines than this flag it suspicious
	MaliciousWeight     float64
	SuspiciousWeight    float64
}

// DefaultSafetyPolicy treats any malicious or suspicious flag as unsafe
func DefaultSafetyPolicy() SafetyPolicy {
	return SafetyPolicy{
		MaliciousWeight:  5,
		SuspiciousWeight: 2,
	}
}

// Score is the harmless share of engines as a percentage, less the weighted
// malicious and suspicious counts, clamped to 0..100. No engines scores 0.
func (p SafetyPolicy) Score(stats virustotal.Stats) int {
	total := stats.Total()
	if total == 0 {
		return 0
	}
	score := float64(stats.Harmless)/float64(total)*100 -
		(float64(stats.Malicious)*p.MaliciousWeight + float64(stats.Suspicious)*p.SuspiciousWeight)
	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// Safe reports whether stats stay within both thresholds
func (p SafetyPolicy) Safe(stats virustotal.Stats) bool {
	return stats.Malicious <= p.MaliciousThreshold && stats.Suspicious <= p.SuspiciousThreshold
}

// URLSafety is the safety verdict for one URL
type URLSafety struct {
	URL            string           `json:"url"`
	Safe           bool             `json:"safe"`
	Score          int              `json:"score"`
	Status         string           `json:"status"`
	Stats          virustotal.Stats `json:"stats"`
	FlaggedEngines []string         `json:"flagged_engines"`
	Warnings       []string         `json:"warnings"`
}

// CheckURL scans target and scores the result. A scan still in progress is
// reported as not safe with a warning.
func (v *Service) CheckURL(ctx context.Context, target string) (*URLSafety, error) {
	if v.scanner == nil {
		return nil, notConfigured(virustotal.ServiceName)
	}
	if !links.IsAbsoluteHTTP(target) {
		return nil, &InputError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}

	report, err := v.scanner.CheckURL(ctx, target)
	if err != nil {
		return nil, err
	}

	safety := &URLSafety{
		URL:            target,
		Status:         report.Status,
		Stats:          report.Stats,
		Score:          v.config.Safety.Score(report.Stats),
		FlaggedEngines: []string{},
		Warnings:       []string{},
	}
	for name, result := range report.Results {
		if result.Category == "malicious" || result.Category == "suspicious" {
			safety.FlaggedEngines = append(safety.FlaggedEngines, name)
		}
	}
	sort.Strings(safety.FlaggedEngines)

	if !report.Completed() {
		safety.Warnings = append(safety.Warnings, "Analysis still in progress")
		return safety, nil
	}

	safety.Safe = v.config.Safety.Safe(report.Stats)
	if report.Stats.Malicious > 0 {
		safety.Warnings = append(safety.Warnings, "URL flagged as malicious")
	}
	if report.Stats.Suspicious > 0 {
		safety.Warnings = append(safety.Warnings, "URL flagged as suspicious")
	}
	return safety, nil
}
