package bundle

import (
	"encoding/json"
	"strings"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

// forbiddenKeys is the syntactic, key-based secret heuristic from spec.md
// §4.9: a substring match of object *keys*, never values — upgrading to
// value-sniffing has historically produced false positives on legitimate
// URLs (spec.md §9 design note).
var forbiddenKeys = []string{"api_key", "token", "cookie", "authorization", "secret", "password", "bearer"}

func isForbiddenKey(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range forbiddenKeys {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// scanForSecrets recursively walks a generic JSON value (as produced by
// json.Unmarshal into any) and fails hard on the first object key matching
// the forbidden set.
func scanForSecrets(v any) error {
	switch node := v.(type) {
	case map[string]any:
		for k, val := range node {
			if isForbiddenKey(k) {
				return apperr.Newf(apperr.TypeSecretLeak, "potential secret in publish plan key %q", k)
			}
			if err := scanForSecrets(val); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range node {
			if err := scanForSecrets(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScanPlanForSecrets re-marshals plan to generic JSON and scans every object
// key. The plan is a typed Go struct everywhere else in this package; this
// is the one place it is treated as opaque JSON, matching adapter.py's
// scan-the-raw-document approach so a field added to the schema tomorrow is
// still covered.
func ScanPlanForSecrets(plan *PublishPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return apperr.Wrap(err, apperr.TypeFsFailure, "marshaling publish plan for secret scan")
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return apperr.Wrap(err, apperr.TypeFsFailure, "unmarshaling publish plan for secret scan")
	}
	return scanForSecrets(generic)
}
