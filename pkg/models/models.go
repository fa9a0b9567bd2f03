// Package models defines the domain models for the threat scan service
package models

import (
	"time"
)

// ThreatBand buckets a threat score for reporting
type ThreatBand string

const (
	ThreatBandHigh     ThreatBand = "high"
	ThreatBandModerate ThreatBand = "moderate"
	ThreatBandLow      ThreatBand = "low"
)

// BandFor returns the band of a threat score expressed in percent.
func BandFor(threatScore float64) ThreatBand {
	switch {
	case threatScore > 80:
		return ThreatBandHigh
	case threatScore > 50:
		return ThreatBandModerate
	default:
		return ThreatBandLow
	}
}

// PromptScore is a single prompt with its probability in percent
type PromptScore struct {
	Prompt string  `json:"prompt"`
	Score  float64 `json:"score"`
}

// ImageMetadata holds the EXIF fields recorded for an upload
type ImageMetadata struct {
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Software string `json:"software,omitempty"`
	DateTime string `json:"date_time,omitempty"`
}

// Analysis is the stored outcome of a zero-shot threat scan
type Analysis struct {
	ID              string         `json:"id"`
	Owner           string         `json:"owner,omitempty"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	Query           string         `json:"query,omitempty"`
	MaskedImage     string         `json:"masked_image"`
	ImageHash       string         `json:"image_hash,omitempty"`
	ThreatScore     float64        `json:"threat_score"`
	TopThreat       string         `json:"top_threat"`
	TopExplanations []PromptScore  `json:"top_explanations"`
	Scene           PromptScore    `json:"scene"`
	Justification   string         `json:"justification"`
	QueryUsed       bool           `json:"query_used"`
	Metadata        *ImageMetadata `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

