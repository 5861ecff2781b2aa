package rating

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// NumericFields is the fixed set of numeric rating fields carried by a
// kind-31001 payload.
var NumericFields = []string{
	"user_review_rating",
	"user_difficulty_rating",
	"user_skill_rating",
	"user_skill_rating_when_beat",
	"user_recommendation_rating",
	"user_importance_rating",
	"user_technical_quality_rating",
	"user_gameplay_design_rating",
	"user_originality_rating",
	"user_visual_aesthetics_rating",
	"user_story_rating",
	"user_soundtrack_graphics_rating",
}

// CommentFields pairs each numeric field with its free-text companion. The
// "_when_beat" variants keep the suffix after "_comment".
var CommentFields = commentFieldNames()

func commentFieldNames() []string {
	out := make([]string, 0, len(NumericFields))
	for _, f := range NumericFields {
		if base, ok := strings.CutSuffix(f, "_when_beat"); ok {
			out = append(out, base+"_comment_when_beat")
			continue
		}
		out = append(out, f+"_comment")
	}
	return out
}

// timestampFields are floored to integer seconds during normalization.
var timestampFields = []string{"created_at_ts", "updated_at_ts"}

// NormalizePayload maps a raw rating payload onto the fixed field sets:
// numeric fields become finite float64 or nil, comment fields become trimmed
// non-empty strings or nil, timestamp fields become floored integer seconds
// or nil. Unknown keys are dropped. Normalizing an already-normalized
// payload yields an equal value.
func NormalizePayload(raw map[string]any) map[string]any {
	out := make(map[string]any, len(NumericFields)+len(CommentFields)+len(timestampFields))
	for _, f := range NumericFields {
		if v, ok := toFinite(raw[f]); ok {
			out[f] = v
		} else {
			out[f] = nil
		}
	}
	for _, f := range CommentFields {
		if s, ok := toComment(raw[f]); ok {
			out[f] = s
		} else {
			out[f] = nil
		}
	}
	for _, f := range timestampFields {
		if v, ok := toFinite(raw[f]); ok {
			out[f] = int64(math.Floor(v))
		} else {
			out[f] = nil
		}
	}
	return out
}

// toFinite converts JSON-decoded values (float64, json.Number, numeric
// strings, ints) to a finite float64.
func toFinite(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, isFinite(n)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && isFinite(f)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil && isFinite(f)
	default:
		return 0, false
	}
}

func toComment(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
