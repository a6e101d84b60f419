package models

import "time"

// AnalysisResult is the stable shape handed to consumers once a job is done.
// Every field always holds a value of its declared type; slices are never nil.
type AnalysisResult struct {
	JobID  string `json:"job_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status string `json:"status"`

	SEOScore      float64 `json:"seo_score"` // 0-10
	GEOScore      float64 `json:"geo_score"` // 0-100
	CombinedScore int     `json:"combined_score"`

	ContentMetrics ContentMetrics `json:"content_metrics"`
	GEOMetrics     GEOMetrics     `json:"geo_metrics"`

	Recommendations []Recommendation `json:"recommendations"`
	Strengths       []string         `json:"strengths"`
	Weaknesses      []string         `json:"weaknesses"`
	KeywordOverlap  []string         `json:"keyword_overlap"`

	ScoredAt time.Time `json:"scored_at"`
}

type ContentMetrics struct {
	WordCount          int     `json:"word_count"`
	HeadingCount       int     `json:"heading_count"`
	ImageCount         int     `json:"image_count"`
	MissingAltText     int     `json:"missing_alt_text"`
	InternalLinks      int     `json:"internal_links"`
	ExternalLinks      int     `json:"external_links"`
	ReadabilityScore   float64 `json:"readability_score"`
	KeywordDensity     float64 `json:"keyword_density"`
	HasMetaDescription bool    `json:"has_meta_description"`
	HasSchemaMarkup    bool    `json:"has_schema_markup"`
	MetaDescription    string  `json:"meta_description"`
}

type GEOMetrics struct {
	CitationLikelihood float64  `json:"citation_likelihood"`
	EntityCoverage     float64  `json:"entity_coverage"`
	AnswerReadiness    float64  `json:"answer_readiness"`
	StructuredFacts    int      `json:"structured_facts"`
	Entities           []string `json:"entities"`
	MentionedBrands    []string `json:"mentioned_brands"`
}

type Recommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}
