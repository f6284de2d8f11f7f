package lesion

import (
	"fmt"
	"strings"
	"unicode"
)

// Tier is the coarse risk bucket that drives color coding.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// HighRiskConfidence is the exclusive lower bound on melanoma confidence for
// the high tier.
const HighRiskConfidence = 0.7

// Assessment is the presentation view of a region's risk.
type Assessment struct {
	Tier        Tier   `json:"tier"`
	Rationale   string `json:"rationale"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

var tierPresentation = map[Tier]struct{ description, color string }{
	TierHigh:   {"Immediate medical attention recommended", "#ef4444"},
	TierMedium: {"Medical evaluation recommended", "#eab308"},
	TierLow:    {"Regular monitoring advised", "#22c55e"},
}

// Classify maps a region onto a risk tier. Melanoma needs a confidence above
// HighRiskConfidence to be high; basal and squamous cell carcinoma are medium
// at any confidence. Everything else, unclassified regions included, is low.
func Classify(r Region) Assessment {
	var (
		tier      Tier
		rationale string
	)
	switch {
	case r.Classification == nil:
		tier, rationale = TierLow, "not yet classified"
	case *r.Classification == Melanoma && r.Confidence != nil && *r.Confidence > HighRiskConfidence:
		tier = TierHigh
		rationale = fmt.Sprintf("melanoma with confidence %.2f above %.2f", *r.Confidence, HighRiskConfidence)
	case *r.Classification == BasalCellCarcinoma || *r.Classification == SquamousCellCarcinoma:
		tier = TierMedium
		rationale = FormatLesionType(*r.Classification) + " requires evaluation regardless of confidence"
	case *r.Classification == Melanoma:
		tier = TierLow
		rationale = fmt.Sprintf("melanoma with confidence %.2f at or below %.2f", r.ConfidenceOr(0), HighRiskConfidence)
	default:
		tier = TierLow
		rationale = FormatLesionType(*r.Classification) + " is not a high-risk type"
	}

	p := tierPresentation[tier]
	return Assessment{Tier: tier, Rationale: rationale, Description: p.description, Color: p.color}
}

// RiskSummary counts regions per tier.
type RiskSummary struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// SummarizeRisk classifies every region and counts the tiers.
func SummarizeRisk(regions []Region) RiskSummary {
	var s RiskSummary
	for _, r := range regions {
		switch Classify(r).Tier {
		case TierHigh:
			s.High++
		case TierMedium:
			s.Medium++
		default:
			s.Low++
		}
	}
	return s
}

// FormatLesionType turns "basal_cell_carcinoma" into "Basal Cell Carcinoma".
func FormatLesionType(t LesionType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
