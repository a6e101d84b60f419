package auditapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

// NormalizeJob converts one remote job payload into the canonical Job shape.
// It is the only place that knows about the job_id/jobId split and about where
// the completion timestamps live in the payload.
func NormalizeJob(raw json.RawMessage) (*models.Job, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, fmt.Errorf("%w: job payload is not an object", ErrRemote)
	}

	id := rawString(top["job_id"])
	if id == "" {
		id = rawString(top["jobId"])
	}

	errMsg := rawString(top["error_message"])
	if errMsg == "" {
		errMsg = rawString(top["error"])
	}

	item := rawObject(top["item"])
	scorecard := rawObject(top["scorecard"])

	return &models.Job{
		ID:     id,
		Status: models.ParseJobStatus(rawString(top["status"])),
		Signals: models.CompletionSignals{
			ContentAnalyzedAt: parseSignal(item["content_analyzed_at"]),
			ScoredAt:          parseSignal(scorecard["scored_at"]),
			GEOAnalyzedAt:     parseSignal(item["geo_analyzed_at"]),
		},
		ErrorMessage: errMsg,
		Raw:          append(json.RawMessage(nil), raw...),
		FetchedAt:    time.Now().UTC(),
	}, nil
}

// unwrapEnvelope detects the proxy envelope {"statusCode": N, "body": "<json>"}
// and returns the inner status and payload. Anything else passes through.
func unwrapEnvelope(status int, body []byte) (int, []byte) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return status, body
	}

	var env struct {
		StatusCode *int            `json:"statusCode"`
		Body       json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || env.StatusCode == nil || env.Body == nil {
		return status, body
	}

	inner := []byte(env.Body)
	var s string
	if err := json.Unmarshal(env.Body, &s); err == nil {
		inner = []byte(s)
	}
	if *env.StatusCode != 0 {
		status = *env.StatusCode
	}
	return status, inner
}

func rawObject(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

// rawString reads a JSON string or number as a trimmed string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

var signalLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseSignal treats missing, null, false and blank values as absent. Anything
// else is present; recognized timestamps also carry their time.
func parseSignal(raw json.RawMessage) models.Signal {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("false")) {
		return models.Signal{}
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return models.Signal{}
		}
		for _, layout := range signalLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return models.SignalAt(t.UTC())
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return models.SignalAt(epoch(n))
		}
		return models.Signal{Present: true}
	}

	var n float64
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return models.SignalAt(epoch(n))
	}

	return models.Signal{Present: true}
}

// epoch accepts seconds or milliseconds since the Unix epoch.
func epoch(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
