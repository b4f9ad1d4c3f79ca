package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/stagehand/internal/model"
)

// Engine evaluates sync points and quality gates. Results for identical
// (criteria, facts) pairs are cached and concurrent duplicate evaluations
// are collapsed via singleflight.
type Engine struct {
	cache        *ResultCache
	singleflight *singleflight.Group
	validator    SyncValidator
	quality      QualityCollaborator
}

// NewEngine creates an evaluation engine with the given cache bounds.
// validator and quality may be nil.
func NewEngine(cacheSize int, cacheTTL time.Duration, validator SyncValidator, quality QualityCollaborator) *Engine {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Engine{
		cache:        NewResultCache(cacheSize, cacheTTL),
		singleflight: &singleflight.Group{},
		validator:    validator,
		quality:      quality,
	}
}

// EvaluateSyncPoint matches every criterion of the spec against the facts
// snapshot. A positive TimeoutSec bounds the evaluation: a validator that
// blocks past the deadline surfaces as an error, not a hang.
func (e *Engine) EvaluateSyncPoint(ctx context.Context, spec *model.SyncPointSpec, facts Facts) (*EvaluationResult, error) {
	if spec == nil {
		return &EvaluationResult{Success: true, AllCriteriaMet: true}, nil
	}
	if spec.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSec)*time.Second)
		defer cancel()
	}

	cacheKey := fingerprint("sync", spec.Criteria, facts)
	if cached := e.cache.Get(cacheKey); cached != nil {
		cached.CacheHit = true
		return cached, nil
	}

	ch := e.singleflight.DoChan(cacheKey, func() (interface{}, error) {
		return e.evaluateCriteria(spec.Criteria, facts), nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sync point evaluation: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		evalResult := res.Val.(*EvaluationResult)
		e.cache.Set(cacheKey, evalResult)
		return evalResult, nil
	}
}

// EvaluateQualityGate runs the named checklist through the quality
// collaborator and aggregates its pass/fail results. Without a collaborator
// the gate trivially passes with an empty checklist.
func (e *Engine) EvaluateQualityGate(ctx context.Context, spec *model.QualityGateSpec, facts Facts) (*EvaluationResult, error) {
	if spec == nil {
		return &EvaluationResult{Success: true, AllCriteriaMet: true}, nil
	}
	if e.quality == nil {
		return &EvaluationResult{Success: true, AllCriteriaMet: true}, nil
	}

	start := time.Now()
	checks, err := e.quality.RunChecklist(ctx, spec.Checklist, facts)
	if err != nil {
		return nil, fmt.Errorf("run checklist %q: %w", spec.Checklist, err)
	}

	result := &EvaluationResult{
		Success:        true,
		AllCriteriaMet: true,
		FailedCriteria: []string{},
	}

	var scoreSum float64
	for _, check := range checks {
		result.Criteria = append(result.Criteria, CriterionResult{
			Name:     check.Name,
			Observed: check.Score,
			Passed:   check.Passed,
			Detail:   check.Detail,
		})
		scoreSum += check.Score
		if !check.Passed {
			result.AllCriteriaMet = false
			result.FailedCriteria = append(result.FailedCriteria, check.Name)
		}
	}
	if len(checks) > 0 {
		result.Score = scoreSum / float64(len(checks))
	}
	result.Success = result.AllCriteriaMet
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) evaluateCriteria(criteria map[string]interface{}, facts Facts) *EvaluationResult {
	start := time.Now()
	result := &EvaluationResult{
		Success:        true,
		AllCriteriaMet: true,
		FailedCriteria: []string{},
	}

	names := make([]string, 0, len(criteria))
	for name := range criteria {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule := criteria[name]
		observed := facts[name]

		var passed bool
		var detail string
		if e.validator != nil {
			if p, handled := e.validator.Validate(name, rule, facts); handled {
				passed, detail = p, "external validator"
			} else {
				passed, detail = MatchCriterion(rule, observed)
			}
		} else {
			passed, detail = MatchCriterion(rule, observed)
		}

		result.Criteria = append(result.Criteria, CriterionResult{
			Name:     name,
			Rule:     rule,
			Observed: observed,
			Passed:   passed,
			Detail:   detail,
		})
		if !passed {
			result.AllCriteriaMet = false
			result.FailedCriteria = append(result.FailedCriteria, name)
		}
	}

	result.Success = result.AllCriteriaMet
	result.Duration = time.Since(start)
	return result
}

// MatchCriterion interprets one rule against an observed value:
// boolean literal match when the observed value is boolean; numeric
// comparison when the rule contains '>' or '<' (trailing number is the
// threshold, both comparisons strict); exact equality otherwise.
// Operators '>=', '<=' and '!=' are not recognized and fall through to the
// equality branch.
func MatchCriterion(rule, observed interface{}) (bool, string) {
	if observed == nil {
		return false, "no observed value"
	}

	if b, ok := observed.(bool); ok {
		want, err := parseBoolRule(rule)
		if err != nil {
			return false, err.Error()
		}
		return b == want, fmt.Sprintf("boolean match: observed=%t expected=%t", b, want)
	}

	if ruleStr, ok := rule.(string); ok {
		trimmed := strings.TrimSpace(ruleStr)
		if strings.Contains(trimmed, ">") || strings.Contains(trimmed, "<") {
			if passed, detail, ok := matchNumericRule(trimmed, observed); ok {
				return passed, detail
			}
			// Unparseable threshold (e.g. ">=" rules): fall through to equality.
		}
	}

	return equalValues(rule, observed), fmt.Sprintf("equality match: observed=%v expected=%v", observed, rule)
}

func parseBoolRule(rule interface{}) (bool, error) {
	switch v := rule.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("rule %q is not a boolean literal", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("rule %v is not a boolean literal", rule)
	}
}

func matchNumericRule(rule string, observed interface{}) (passed bool, detail string, handled bool) {
	greater := strings.Contains(rule, ">")
	idx := strings.IndexAny(rule, "><")
	threshold, err := strconv.ParseFloat(strings.TrimSpace(rule[idx+1:]), 64)
	if err != nil {
		return false, "", false
	}

	value, ok := toFloat(observed)
	if !ok {
		return false, fmt.Sprintf("observed value %v is not numeric", observed), true
	}

	if greater {
		return value > threshold, fmt.Sprintf("numeric match: %v > %v", value, threshold), true
	}
	return value < threshold, fmt.Sprintf("numeric match: %v < %v", value, threshold), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(rule, observed interface{}) bool {
	// Numbers compare numerically so "0" matches 0 and 0.0.
	if rf, ok := toFloat(rule); ok {
		if of, ok := toFloat(observed); ok {
			return rf == of
		}
	}
	return fmt.Sprintf("%v", rule) == fmt.Sprintf("%v", observed)
}

// fingerprint produces a stable cache key from criteria and facts.
func fingerprint(kind string, criteria map[string]interface{}, facts Facts) string {
	payload := struct {
		Kind     string                 `json:"kind"`
		Criteria map[string]interface{} `json:"criteria"`
		Facts    Facts                  `json:"facts"`
	}{kind, criteria, facts}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s:%v:%v", kind, criteria, facts)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
