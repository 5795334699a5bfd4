package normalize

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// Config tunes the normalizer. Zero values take the documented defaults.
type Config struct {
	// MaxDepth bounds nesting during the walk. Default 10.
	MaxDepth int

	// LowConfidence is the threshold below which a mapping counts as
	// low-confidence in the quality metrics. Default 0.7.
	LowConfidence float64

	// ObservableCap bounds the observables collection per alert so a
	// pathological payload cannot balloon the record. Default 50.
	ObservableCap int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxDepth <= 0 {
		out.MaxDepth = 10
	}
	if out.LowConfidence <= 0 {
		out.LowConfidence = 0.7
	}
	if out.ObservableCap <= 0 {
		out.ObservableCap = 50
	}
	return out
}

// Fixed confidences for the non-derived mapping methods.
const (
	overrideConfidence = 0.99
	cacheConfidence    = 0.96

	// ambiguousDiscount is applied to the attribute side of a dual
	// mapping when name and value shape disagree.
	ambiguousDiscount = 0.9

	// minCacheValueLen keeps short, collision-prone literals ("1", "ok")
	// out of the value-identity cache.
	minCacheValueLen = 8
)

// Normalizer converts raw alerts to canonical records. It is safe for
// concurrent use; the value-identity cache is shared across calls so a
// literal learned from one alert benefits the next.
type Normalizer struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]string // literal value -> canonical target
}

func New(cfg Config) *Normalizer {
	return &Normalizer{
		cfg:   cfg.withDefaults(),
		cache: make(map[string]string),
	}
}

// Normalize maps one raw alert onto the canonical schema. sourceType
// selects the operator override table; an unknown or empty sourceType
// just means no overrides apply. The only error is a nil payload.
func (n *Normalizer) Normalize(raw schema.RawAlert, sourceType string) (*schema.CanonicalRecord, error) {
	if raw == nil {
		return nil, fmt.Errorf("normalize: nil alert payload")
	}

	rec := &schema.CanonicalRecord{
		AlphaID:    schema.ResolveAlphaID(raw),
		AlertID:    schema.AlertID(raw),
		SourceType: sourceType,
		Fields:     make(map[string]any),
	}

	w := &walker{
		n:         n,
		rec:       rec,
		overrides: hardcodedOverrides[strings.ToLower(sourceType)],
		bestConf:  make(map[string]float64),
		visited:   make(map[uintptr]bool),
	}
	w.walk(map[string]any(raw), "", 0)
	w.finish()

	applyBuilders(rec, raw)
	computeQuality(rec, n.cfg.LowConfidence)
	return rec, nil
}

// walker carries per-alert state through one normalization pass.
type walker struct {
	n         *Normalizer
	rec       *schema.CanonicalRecord
	overrides map[string]string

	// bestConf tracks the winning confidence per canonical target so a
	// later weak mapping never clobbers an earlier strong one.
	bestConf map[string]float64

	visited map[uintptr]bool

	// leaves are collected first and resolved in sorted path order so
	// output is deterministic regardless of map iteration order.
	leaves []leaf
}

type leaf struct {
	path string
	key  string
	val  any
}

func (w *walker) walk(v any, path string, depth int) {
	if depth > w.n.cfg.MaxDepth {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		if !w.enter(val) {
			return
		}
		defer w.leave(val)
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			w.walk(child, childPath, depth+1)
		}
	case []any:
		for i, child := range val {
			w.walk(child, path+"["+strconv.Itoa(i)+"]", depth+1)
		}
	case nil:
		// absent, not telemetry
	default:
		if path == "" {
			return
		}
		w.leaves = append(w.leaves, leaf{path: path, key: leafKey(path), val: val})
	}
}

// enter marks a map as in-progress for cycle detection. JSON payloads
// cannot cycle but alerts built programmatically can.
func (w *walker) enter(m map[string]any) bool {
	p := reflect.ValueOf(m).Pointer()
	if w.visited[p] {
		return false
	}
	w.visited[p] = true
	return true
}

func (w *walker) leave(m map[string]any) {
	delete(w.visited, reflect.ValueOf(m).Pointer())
}

// leafKey returns the final key segment of a dotted path with any array
// index stripped: "threatInfo.engines[2].title" -> "title".
func leafKey(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.IndexByte(path, '['); i >= 0 {
		path = path[:i]
	}
	return path
}

func (w *walker) finish() {
	sort.Slice(w.leaves, func(i, j int) bool { return w.leaves[i].path < w.leaves[j].path })
	for _, lf := range w.leaves {
		w.resolve(lf)
	}
}

// resolve runs the mapping ladder for one leaf: operator override, then
// value-identity cache, then attribute alias vs value shape.
func (w *walker) resolve(lf leaf) {
	strVal, isStr := lf.val.(string)

	if target, ok := w.overrides[indexFree(lf.path)]; ok {
		w.accept(lf, target, overrideConfidence, schema.MethodHardcoded, false)
		return
	}

	if isStr && len(strVal) >= minCacheValueLen {
		if target, ok := w.n.cacheGet(strVal); ok {
			w.accept(lf, target, cacheConfidence, schema.MethodValueMap, false)
			return
		}
	}

	vt, vtConf := DetectValueType(lf.val)

	alias, haveAlias := lookupAlias(normalizeKey(lf.key))
	if !haveAlias {
		alias, haveAlias = lookupAlias(normalizeKey(lf.path))
	}

	if haveAlias {
		aConf := attrConfidence(alias.priority)
		token := typeToken[vt]
		agreed := token != "" && strings.Contains(alias.target, token)
		if agreed || aConf >= vtConf {
			w.accept(lf, alias.target, aConf, schema.MethodAttribute, false)
			return
		}
		// Name and shape disagree and the shape signal is stronger:
		// record both with the attribute side discounted.
		w.accept(lf, alias.target, aConf*ambiguousDiscount, schema.MethodAttribute, true)
		if fb, ok := typeFallbackTarget[vt]; ok {
			w.accept(lf, fb, vtConf, schema.MethodValueType, true)
		}
		return
	}

	if fb, ok := typeFallbackTarget[vt]; ok && vtConf > w.n.cfg.LowConfidence {
		w.accept(lf, fb, vtConf, schema.MethodValueType, false)
		return
	}

	if isStr {
		if _, recognizable := typeFallbackTarget[vt]; recognizable &&
			len(w.rec.Observables) < w.n.cfg.ObservableCap {
			w.rec.Observables = append(w.rec.Observables, schema.Observable{
				SourceKey:  lf.path,
				Value:      strVal,
				Type:       vt,
				Confidence: vtConf,
			})
		}
	}
	w.rec.Unmapped = append(w.rec.Unmapped, schema.UnmappedField{
		SourceKey:      lf.path,
		Value:          lf.val,
		Type:           vt,
		Confidence:     vtConf,
		NeedsAttention: vtConf > 0.5,
	})
}

func (w *walker) accept(lf leaf, target string, conf float64, method schema.MapMethod, ambiguous bool) {
	val := lf.val
	if s, ok := val.(string); ok && strings.HasSuffix(target, "confidence") {
		// Vendors send words ("malicious", "suspicious") where the
		// schema wants a number.
		val = ConfidenceWord(s)
	}
	w.rec.Mappings = append(w.rec.Mappings, schema.FieldMapping{
		SourceKey:  lf.path,
		Target:     target,
		Value:      val,
		Confidence: conf,
		Method:     method,
		Ambiguous:  ambiguous,
	})
	if conf > w.bestConf[target] {
		w.bestConf[target] = conf
		w.rec.Fields[target] = val
	}
	if s, ok := val.(string); ok && len(s) >= minCacheValueLen &&
		!ambiguous && method != schema.MethodValueMap {
		w.n.cachePut(s, target)
	}
}

// indexFree strips array indices from a path so overrides keyed on
// "threatInfo.engines.title" also match "threatInfo.engines[2].title".
func indexFree(path string) string {
	if !strings.ContainsRune(path, '[') {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	skip := false
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			skip = true
		case ']':
			skip = false
		default:
			if !skip {
				b.WriteByte(path[i])
			}
		}
	}
	return b.String()
}

func (n *Normalizer) cacheGet(value string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.cache[value]
	return t, ok
}

func (n *Normalizer) cachePut(value, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache[value] = target
}

// computeQuality derives the trust summary. Total counts every resolved
// leaf outcome (mappings plus unmapped), so mapped never exceeds total
// even when an ambiguous leaf produced two mappings.
func computeQuality(rec *schema.CanonicalRecord, lowConfidence float64) {
	q := schema.QualityMetrics{
		TotalFields:    len(rec.Mappings) + len(rec.Unmapped),
		MappedFields:   len(rec.Mappings),
		UnmappedFields: len(rec.Unmapped),
	}
	var sum float64
	for _, m := range rec.Mappings {
		sum += m.Confidence
		if m.Confidence < lowConfidence {
			q.LowConfidence++
		}
	}
	if q.MappedFields > 0 {
		q.MeanConfidence = sum / float64(q.MappedFields)
	}
	var attention bool
	for _, u := range rec.Unmapped {
		if u.NeedsAttention {
			attention = true
			break
		}
	}
	// Any single weak signal is enough to pull in a human.
	q.NeedsHumanReview = q.LowConfidence > 0 || attention ||
		q.MeanConfidence < lowConfidence
	rec.Quality = q
}
