// Package adapter turns the final remote job payload into the stable
// AnalysisResult shape.
package adapter

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

// Adapt is total: every field of the result holds a value of its declared
// type whatever the payload looks like, and slices are never nil.
func Adapt(job *models.Job) models.AnalysisResult {
	res := models.AnalysisResult{
		Recommendations: []models.Recommendation{},
		Strengths:       []string{},
		Weaknesses:      []string{},
		KeywordOverlap:  []string{},
		GEOMetrics: models.GEOMetrics{
			Entities:        []string{},
			MentionedBrands: []string{},
		},
	}
	if job == nil {
		return res
	}

	root := decode(job.Raw)
	item := root.obj("item")
	scorecard := root.obj("scorecard")

	res.JobID = job.ID
	res.Status = string(job.Status)
	res.URL = firstNonEmpty(item.str("url"), root.str("url"))
	res.Title = item.str("title")

	res.SEOScore = clamp(scorecard.num("seo_score"), 0, 10)
	res.GEOScore = clamp(scorecard.num("geo_score"), 0, 100)
	res.CombinedScore = CombinedScore(res.SEOScore, res.GEOScore)

	cm := item.obj("content_metrics")
	res.ContentMetrics = models.ContentMetrics{
		WordCount:          cm.integer("word_count"),
		HeadingCount:       cm.integer("heading_count"),
		ImageCount:         cm.integer("image_count"),
		MissingAltText:     cm.integer("missing_alt_text"),
		InternalLinks:      cm.integer("internal_links"),
		ExternalLinks:      cm.integer("external_links"),
		ReadabilityScore:   cm.num("readability_score"),
		KeywordDensity:     cm.num("keyword_density"),
		HasMetaDescription: cm.flag("has_meta_description"),
		HasSchemaMarkup:    cm.flag("has_schema_markup"),
		MetaDescription:    cm.str("meta_description"),
	}

	gm := item.obj("geo_metrics")
	res.GEOMetrics = models.GEOMetrics{
		CitationLikelihood: gm.num("citation_likelihood"),
		EntityCoverage:     gm.num("entity_coverage"),
		AnswerReadiness:    gm.num("answer_readiness"),
		StructuredFacts:    gm.integer("structured_facts"),
		Entities:           gm.stringList("entities"),
		MentionedBrands:    gm.stringList("mentioned_brands"),
	}

	res.Recommendations = recommendations(scorecard.list("recommendations"))
	res.Strengths = scorecard.stringList("strengths")
	res.Weaknesses = scorecard.stringList("weaknesses")
	res.KeywordOverlap = scorecard.stringList("keyword_overlap")

	if job.Signals.ScoredAt.Present {
		res.ScoredAt = job.Signals.ScoredAt.At
	}
	return res
}

// CombinedScore puts the 0-10 SEO score on the 0-100 scale and averages it
// with the GEO score.
func CombinedScore(seo, geo float64) int {
	return int(math.Round((seo*10 + geo) / 2))
}

func recommendations(items []any) []models.Recommendation {
	out := make([]models.Recommendation, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case map[string]any:
			r := object(v)
			rec := models.Recommendation{
				Title:       firstNonEmpty(r.str("title"), r.str("recommendation")),
				Description: r.str("description"),
				Priority:    strings.ToLower(r.str("priority")),
				Category:    r.str("category"),
			}
			if rec.Title == "" && rec.Description == "" {
				continue
			}
			out = append(out, rec)
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out = append(out, models.Recommendation{Title: s})
			}
		}
	}
	return out
}

// object is a lenient view over a decoded JSON object. Lookups on a nil
// object return zero values.
type object map[string]any

func decode(raw json.RawMessage) object {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

func (o object) obj(key string) object {
	m, _ := o[key].(map[string]any)
	return m
}

func (o object) list(key string) []any {
	l, _ := o[key].([]any)
	return l
}

func (o object) str(key string) string {
	switch v := o[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (o object) num(key string) float64 {
	var f float64
	switch v := o[key].(type) {
	case json.Number:
		f, _ = v.Float64()
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func (o object) integer(key string) int {
	return int(math.Round(o.num(key)))
}

func (o object) flag(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

func (o object) stringList(key string) []string {
	l := o.list(key)
	out := make([]string, 0, len(l))
	for _, it := range l {
		s, ok := it.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
