package normalize

import (
	"testing"

	"github.com/stratumsec/alphapipe/internal/schema"
)

const testSHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestNormalizeNilPayload(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}).Normalize(nil, ""); err == nil {
		t.Fatal("expected error for nil payload")
	}
}

func TestHardcodedOverrideWins(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Normalize(schema.RawAlert{
		"threatInfo": map[string]any{"sha256": testSHA256},
	}, "sentinelone")
	if err != nil {
		t.Fatal(err)
	}

	m := findMapping(rec, "threatInfo.sha256")
	if m == nil {
		t.Fatal("no mapping for threatInfo.sha256")
	}
	if m.Method != schema.MethodHardcoded {
		t.Fatalf("method = %q, want hardcoded", m.Method)
	}
	if m.Target != "file.hashes.sha256" {
		t.Fatalf("target = %q", m.Target)
	}
	if m.Confidence != overrideConfidence {
		t.Fatalf("confidence = %v, want %v", m.Confidence, overrideConfidence)
	}
	if got := rec.StringField("file.hashes.sha256"); got != testSHA256 {
		t.Fatalf("Fields[file.hashes.sha256] = %q", got)
	}
}

func TestAttributeAliasAgreesWithShape(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Normalize(schema.RawAlert{"src_ip": "10.0.0.1"}, "")
	if err != nil {
		t.Fatal(err)
	}

	m := findMapping(rec, "src_ip")
	if m == nil {
		t.Fatal("no mapping for src_ip")
	}
	if m.Method != schema.MethodAttribute || m.Target != "src.ip" {
		t.Fatalf("got method=%q target=%q", m.Method, m.Target)
	}
	if m.Ambiguous {
		t.Fatal("agreeing name and shape must not be ambiguous")
	}
	if m.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0 for top-priority alias", m.Confidence)
	}
}

func TestAmbiguousDualMapping(t *testing.T) {
	t.Parallel()

	// The key says username but the value is unmistakably a SHA-256;
	// both hypotheses must be recorded, both flagged ambiguous, and the
	// stronger (value shape) one must win the canonical field.
	rec, err := New(Config{}).Normalize(schema.RawAlert{"username": testSHA256}, "")
	if err != nil {
		t.Fatal(err)
	}

	var attr, vt *schema.FieldMapping
	for i := range rec.Mappings {
		m := &rec.Mappings[i]
		if m.SourceKey != "username" {
			continue
		}
		switch m.Method {
		case schema.MethodAttribute:
			attr = m
		case schema.MethodValueType:
			vt = m
		}
	}
	if attr == nil || vt == nil {
		t.Fatalf("want both mappings, got %+v", rec.Mappings)
	}
	if !attr.Ambiguous || !vt.Ambiguous {
		t.Fatal("both sides of a disagreement must be ambiguous")
	}
	if attr.Target != "user.name" || vt.Target != "file.hashes.sha256" {
		t.Fatalf("targets = %q, %q", attr.Target, vt.Target)
	}
	if vt.Confidence <= attr.Confidence {
		t.Fatalf("value-type confidence %v must exceed discounted attribute %v",
			vt.Confidence, attr.Confidence)
	}
	if got := rec.StringField("file.hashes.sha256"); got != testSHA256 {
		t.Fatal("stronger hypothesis must own the canonical field")
	}
}

func TestValueCacheReuse(t *testing.T) {
	t.Parallel()

	n := New(Config{})

	// First alert teaches the cache via the value-shape fallback.
	if _, err := n.Normalize(schema.RawAlert{"source_address": "203.0.113.77"}, ""); err != nil {
		t.Fatal(err)
	}

	// Second alert carries the same literal under an unknown key.
	rec, err := n.Normalize(schema.RawAlert{"zq_field_17": "203.0.113.77"}, "")
	if err != nil {
		t.Fatal(err)
	}
	m := findMapping(rec, "zq_field_17")
	if m == nil {
		t.Fatal("no mapping for cached literal")
	}
	if m.Method != schema.MethodValueMap {
		t.Fatalf("method = %q, want valueMap", m.Method)
	}
	if m.Target != "src.ip" || m.Confidence != cacheConfidence {
		t.Fatalf("got target=%q confidence=%v", m.Target, m.Confidence)
	}
}

func TestWeakShapeBecomesObservableAndUnmapped(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Normalize(schema.RawAlert{"zqfoo": "operatorx"}, "")
	if err != nil {
		t.Fatal(err)
	}

	if len(rec.Mappings) != 0 {
		t.Fatalf("unexpected mappings %+v", rec.Mappings)
	}
	if len(rec.Observables) != 1 {
		t.Fatalf("observables = %+v", rec.Observables)
	}
	if rec.Observables[0].Type != schema.TypeUsername {
		t.Fatalf("observable type = %q", rec.Observables[0].Type)
	}
	if len(rec.Unmapped) != 1 {
		t.Fatalf("unmapped = %+v", rec.Unmapped)
	}
	if !rec.Unmapped[0].NeedsAttention {
		t.Fatal("username-shaped value above 0.5 must flag NeedsAttention")
	}
}

func TestDepthGuard(t *testing.T) {
	t.Parallel()

	deep := map[string]any{"ip": "10.0.0.1"}
	for i := 0; i < 20; i++ {
		deep = map[string]any{"wrap": deep}
	}

	rec, err := New(Config{MaxDepth: 10}).Normalize(schema.RawAlert(deep), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Mappings) != 0 || len(rec.Unmapped) != 0 {
		t.Fatalf("leaves beyond max depth must be skipped, got %d/%d",
			len(rec.Mappings), len(rec.Unmapped))
	}
}

func TestCyclicPayloadTerminates(t *testing.T) {
	t.Parallel()

	raw := schema.RawAlert{"src_ip": "10.0.0.1"}
	raw["self"] = map[string]any(raw)

	rec, err := New(Config{}).Normalize(raw, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.Field("src.ip"); !ok {
		t.Fatal("cycle guard must not drop sibling leaves")
	}
}

func TestObservableCap(t *testing.T) {
	t.Parallel()

	raw := schema.RawAlert{}
	for i := 0; i < 10; i++ {
		// username-shaped, below the fallback threshold, unknown keys
		raw["zq"+string(rune('a'+i))] = "operator" + string(rune('a'+i))
	}

	rec, err := New(Config{ObservableCap: 3}).Normalize(raw, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Observables) != 3 {
		t.Fatalf("observables = %d, want cap 3", len(rec.Observables))
	}
	if len(rec.Unmapped) != 10 {
		t.Fatalf("unmapped = %d, cap must not drop audit entries", len(rec.Unmapped))
	}
}

func TestQualityMetricsInvariants(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Normalize(schema.RawAlert{
		"src_ip":   "10.0.0.1",
		"username": testSHA256, // ambiguous, two mappings
		"zqfoo":    "operatorx",
		"note":     "something happened",
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	q := rec.Quality
	if q.MappedFields != len(rec.Mappings) {
		t.Fatalf("MappedFields %d != mappings %d", q.MappedFields, len(rec.Mappings))
	}
	if q.UnmappedFields != len(rec.Unmapped) {
		t.Fatalf("UnmappedFields %d != unmapped %d", q.UnmappedFields, len(rec.Unmapped))
	}
	if q.MappedFields+q.UnmappedFields != q.TotalFields {
		t.Fatalf("mapped %d + unmapped %d != total %d",
			q.MappedFields, q.UnmappedFields, q.TotalFields)
	}
	if q.MeanConfidence <= 0 || q.MeanConfidence > 1 {
		t.Fatalf("MeanConfidence %v out of (0,1]", q.MeanConfidence)
	}
	for _, m := range rec.Mappings {
		if m.Confidence <= 0 || m.Confidence > 1 {
			t.Fatalf("mapping confidence %v out of (0,1]: %+v", m.Confidence, m)
		}
	}
}

func TestReviewFlagOnAnyWeakSignal(t *testing.T) {
	t.Parallel()

	strong := func(n int) []schema.FieldMapping {
		ms := make([]schema.FieldMapping, n)
		for i := range ms {
			ms[i] = schema.FieldMapping{Confidence: 0.99}
		}
		return ms
	}

	t.Run("single low-confidence mapping", func(t *testing.T) {
		t.Parallel()

		rec := &schema.CanonicalRecord{
			Mappings: append(strong(4), schema.FieldMapping{Confidence: 0.65}),
		}
		computeQuality(rec, 0.7)
		if rec.Quality.LowConfidence != 1 {
			t.Fatalf("LowConfidence = %d, want 1", rec.Quality.LowConfidence)
		}
		if !rec.Quality.NeedsHumanReview {
			t.Fatal("one weak mapping must trigger review even with a strong mean")
		}
	})

	t.Run("single attention-worthy unmapped field", func(t *testing.T) {
		t.Parallel()

		rec := &schema.CanonicalRecord{
			Mappings: strong(4),
			Unmapped: []schema.UnmappedField{{SourceKey: "blob", Confidence: 0.6, NeedsAttention: true}},
		}
		computeQuality(rec, 0.7)
		if !rec.Quality.NeedsHumanReview {
			t.Fatal("an unmapped field needing attention must trigger review")
		}
	})

	t.Run("clean record", func(t *testing.T) {
		t.Parallel()

		rec := &schema.CanonicalRecord{
			Mappings: strong(4),
			Unmapped: []schema.UnmappedField{{SourceKey: "noise", Confidence: 0.3}},
		}
		computeQuality(rec, 0.7)
		if rec.Quality.NeedsHumanReview {
			t.Fatal("strong mappings and quiet unmapped fields must not need review")
		}
	})
}

func TestConfidenceWordsBecomeNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    schema.RawAlert
		source string
		want   float64
	}{
		{
			name:   "vendor override path",
			raw:    schema.RawAlert{"threatInfo": map[string]any{"confidenceLevel": "malicious"}},
			source: "sentinelone",
			want:   90,
		},
		{
			name: "alias path",
			raw:  schema.RawAlert{"confidence_level": "suspicious"},
			want: 50,
		},
		{
			name: "unknown word gets the default",
			raw:  schema.RawAlert{"confidence_level": "sideways"},
			want: 70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, err := New(Config{}).Normalize(tt.raw, tt.source)
			if err != nil {
				t.Fatal(err)
			}
			v, ok := rec.Field("threat.confidence")
			if !ok {
				t.Fatal("threat.confidence not mapped")
			}
			if v != tt.want {
				t.Fatalf("threat.confidence = %v, want %v", v, tt.want)
			}
		})
	}
}

func TestNumericConfidencePassesThrough(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Normalize(schema.RawAlert{"confidence_level": float64(80)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := rec.Field("threat.confidence"); v != float64(80) {
		t.Fatalf("threat.confidence = %v, want 80", v)
	}
}

func TestHigherConfidenceOwnsField(t *testing.T) {
	t.Parallel()

	// Both keys alias to src.ip; the higher-priority alias must own it.
	rec, err := New(Config{}).Normalize(schema.RawAlert{
		"client_ip": "192.0.2.1",
		"src_ip":    "10.0.0.1",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.StringField("src.ip"); got != "10.0.0.1" {
		t.Fatalf("Fields[src.ip] = %q, want the higher-priority alias value", got)
	}
	if len(rec.Mappings) != 2 {
		t.Fatalf("both leaves must still be recorded, got %d", len(rec.Mappings))
	}
}

func TestSourceBuilders(t *testing.T) {
	t.Parallel()

	rec, err := New(Config{}).Normalize(schema.RawAlert{
		"agentDetectionInfo": map[string]any{
			"agentIpV4": "10.0.0.5, 10.0.0.6",
		},
		"agentRealtimeInfo": map[string]any{
			"networkInterfaces": []any{
				map[string]any{"inet": []any{"10.0.0.5", "192.168.1.2"}},
			},
		},
		"threatInfo": map[string]any{
			"initiatedBy": "agent_policy",
			"engines":     []any{map[string]any{"title": "reputation"}},
		},
		"cp_enrichment": map[string]any{"score": float64(17)},
		"vt_enrichment": map[string]any{"positives": float64(42)},
	}, "sentinelone")
	if err != nil {
		t.Fatal(err)
	}

	wantIPs := []string{"10.0.0.5", "10.0.0.6", "192.168.1.2"}
	for i, ip := range wantIPs {
		key := "device.interface.ip_list[" + string(rune('0'+i)) + "]"
		if got := rec.StringField(key); got != ip {
			t.Errorf("Fields[%s] = %q, want %q", key, got, ip)
		}
	}
	if _, ok := rec.Field("device.interface.ip_list[3]"); ok {
		t.Error("duplicate addresses must be collapsed")
	}

	if got := rec.StringField("detection.products[0].name"); got != "agent_policy" {
		t.Errorf("products[0] = %q", got)
	}
	if got := rec.StringField("detection.products[1].name"); got != "reputation" {
		t.Errorf("products[1] = %q", got)
	}

	if got := rec.StringField("enrichments[0].provider"); got != "reputation" {
		t.Errorf("enrichments[0].provider = %q", got)
	}
	if v, _ := rec.Field("enrichments[0].data.score"); v != float64(17) {
		t.Errorf("enrichments[0].data.score = %v", v)
	}
	if got := rec.StringField("enrichments[1].provider"); got != "multiscanner" {
		t.Errorf("enrichments[1].provider = %q", got)
	}
	if v, _ := rec.Field("enrichments[1].data.positives"); v != float64(42) {
		t.Errorf("enrichments[1].data.positives = %v", v)
	}
}

func TestRepoLatestWins(t *testing.T) {
	t.Parallel()

	repo := NewRepo()
	first := &schema.CanonicalRecord{AlphaID: "a1", Fields: map[string]any{"v": 1}}
	second := &schema.CanonicalRecord{AlphaID: "a1", Fields: map[string]any{"v": 2}}
	repo.Save(first)
	repo.Save(second)

	got, ok := repo.Get("a1")
	if !ok || got.Fields["v"] != 2 {
		t.Fatalf("Get = %+v, %v; want latest record", got, ok)
	}
	if _, ok := repo.Get("missing"); ok {
		t.Fatal("missing id must not resolve")
	}
	if repo.Len() != 1 {
		t.Fatalf("Len = %d", repo.Len())
	}
}

func findMapping(rec *schema.CanonicalRecord, sourceKey string) *schema.FieldMapping {
	for i := range rec.Mappings {
		if rec.Mappings[i].SourceKey == sourceKey {
			return &rec.Mappings[i]
		}
	}
	return nil
}
