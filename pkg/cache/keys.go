// Package cache implements the namespaced, multi-database cache layer used to
// coordinate the document pipeline. Redis is an acceleration layer here, never
// the system of record: every operation degrades to a miss or no-op instead of
// surfacing an error to pipeline logic.
package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// Database identifies one of the logical cache databases. Each maps to its
// own Redis DB index and fails independently of the others.
type Database string

const (
	DatabaseCache     Database = "cache"
	DatabaseBatch     Database = "batch"
	DatabaseMetrics   Database = "metrics"
	DatabaseRateLimit Database = "ratelimit"
)

// Key templates. The layout is stable across process restarts; the stage-skip
// idempotency contract depends on it.
const (
	KeyDocState          = "doc:state:{document_id}"
	KeyDocVersion        = "doc:version:{document_id}"
	KeyOCRArtifact       = "doc:ocr:{version}:{document_id}"
	KeyChunksArtifact    = "doc:chunks:{version}:{document_id}"
	KeyMentionsArtifact  = "doc:all_mentions:{version}:{document_id}"
	KeyCanonicalArtifact = "doc:canonical_entities:{version}:{document_id}"
	KeyResolvedArtifact  = "doc:resolved_mentions:{version}:{document_id}"
	KeyBatchProgress     = "batch:progress:{batch_id}"
	KeyCacheMetric       = "metrics:cache:{category}:{kind}:{bucket}"
	KeyRateLimit         = "rate:{name}"
	KeyStageLock         = "lock:stage:{document_id}:{stage}"
)

// MissingParameterError reports a template parameter absent from FormatKey's
// params map.
type MissingParameterError struct {
	Template string
	Param    string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter %q for key template %q", e.Param, e.Template)
}

var paramPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// FormatKey renders a key template with the given parameters. It is a pure
// function: identical inputs always produce the identical key string.
func FormatKey(template string, params map[string]string) (string, error) {
	var missing *MissingParameterError
	key := paramPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := params[name]
		if !ok || value == "" {
			if missing == nil {
				missing = &MissingParameterError{Template: template, Param: name}
			}
			return match
		}
		return value
	})
	if missing != nil {
		return "", missing
	}
	return key, nil
}

// routingRules are matched in order; first prefix match wins.
var routingRules = []struct {
	prefix string
	db     Database
}{
	{"batch:", DatabaseBatch},
	{"metrics:", DatabaseMetrics},
	{"stats:", DatabaseMetrics},
	{"rate:", DatabaseRateLimit},
	{"limit:", DatabaseRateLimit},
}

// RouteKey maps a fully-qualified key to its logical database. Pure function,
// no I/O, so routing stays deterministic and testable without a live store.
func RouteKey(key string) Database {
	for _, rule := range routingRules {
		if strings.HasPrefix(key, rule.prefix) {
			return rule.db
		}
	}
	return DatabaseCache
}

// Category derives the metrics category from a key. Document keys keep their
// second segment ("doc:ocr", "doc:chunks"); everything else uses the first.
func Category(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) >= 2 && parts[0] == "doc" {
		return parts[0] + ":" + parts[1]
	}
	return parts[0]
}

// artifactPrefixes name the versioned, immutable artifact keys. Only these
// are eligible for the in-process L1 cache: their version segment makes a
// cached copy safe to reuse without cross-worker invalidation.
var artifactPrefixes = []string{
	"doc:ocr:",
	"doc:chunks:",
	"doc:all_mentions:",
	"doc:canonical_entities:",
	"doc:resolved_mentions:",
}

func isImmutableKey(key string) bool {
	for _, p := range artifactPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
