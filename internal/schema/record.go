package schema

// RawAlert is a vendor-shaped alert payload as received. It is never
// mutated after ingestion; the normalizer only reads it.
type RawAlert map[string]any

// MapMethod tags how a value ended up on its canonical field.
type MapMethod string

const (
	// MethodHardcoded is an operator-curated exact-key override.
	MethodHardcoded MapMethod = "hardcoded"

	// MethodValueMap reuses a mapping previously learned for the same
	// literal value under a different key spelling.
	MethodValueMap MapMethod = "valueMap"

	// MethodAttribute matched the source key against the alias table.
	MethodAttribute MapMethod = "attribute"

	// MethodValueType matched the shape of the value itself.
	MethodValueType MapMethod = "valueType"
)

// ValueType classifies the shape of a scalar value.
type ValueType string

const (
	TypeSHA256    ValueType = "sha256"
	TypeSHA1      ValueType = "sha1"
	TypeMD5       ValueType = "md5"
	TypeIPv4      ValueType = "ipv4"
	TypeIPv6      ValueType = "ipv6"
	TypeEmail     ValueType = "email"
	TypeURL       ValueType = "url"
	TypeTimestamp ValueType = "timestamp"
	TypeWinPath   ValueType = "windows_path"
	TypeUnixPath  ValueType = "unix_path"
	TypeHostname  ValueType = "hostname"
	TypeUsername  ValueType = "username"
	TypeNumber    ValueType = "number"
	TypeText      ValueType = "text"
)

// FieldMapping records one successfully mapped value.
type FieldMapping struct {
	SourceKey  string    `json:"source_key"`
	Target     string    `json:"target"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Method     MapMethod `json:"method"`
	Ambiguous  bool      `json:"ambiguous,omitempty"`
}

// Observable is a value with a recognizable shape (hash, IP, ...) that
// could not be attached to a specific canonical field.
type Observable struct {
	SourceKey  string    `json:"source_key"`
	Value      string    `json:"value"`
	Type       ValueType `json:"type"`
	Confidence float64   `json:"confidence"`
}

// UnmappedField is a leaf that matched neither an attribute alias nor a
// strong value shape. NeedsAttention marks fields whose value-type
// confidence still exceeded 0.5, i.e. probably real telemetry we lost.
type UnmappedField struct {
	SourceKey      string    `json:"source_key"`
	Value          any       `json:"value"`
	Type           ValueType `json:"type"`
	Confidence     float64   `json:"confidence"`
	NeedsAttention bool      `json:"needs_attention"`
}

// QualityMetrics summarizes how well a raw alert mapped onto the
// canonical schema. This is the trust signal for escalation and human
// reviewers, independent of the triage agent's own confidence.
type QualityMetrics struct {
	TotalFields      int     `json:"total_fields"`
	MappedFields     int     `json:"mapped_fields"`
	LowConfidence    int     `json:"low_confidence"`
	UnmappedFields   int     `json:"unmapped_fields"`
	MeanConfidence   float64 `json:"mean_confidence"`
	NeedsHumanReview bool    `json:"needs_human_review"`
}

// CanonicalRecord is the normalized output of the hybrid normalizer:
// canonical dot-path fields plus the three audit collections and derived
// quality metrics.
type CanonicalRecord struct {
	AlphaID    string `json:"alpha_id"`
	AlertID    string `json:"alert_id,omitempty"`
	SourceType string `json:"source_type,omitempty"`

	// Fields holds the canonical tree in dotted form
	// (e.g. "file.hashes.sha256" -> value). Use Nested for object form.
	Fields map[string]any `json:"fields"`

	Mappings    []FieldMapping  `json:"mappings"`
	Observables []Observable    `json:"observables"`
	Unmapped    []UnmappedField `json:"unmapped_fields"`
	Quality     QualityMetrics  `json:"quality_metrics"`
}

// Nested returns the canonical fields reassembled into object form.
func (r *CanonicalRecord) Nested() map[string]any {
	return Unflatten(r.Fields)
}

// Field returns the value at a dotted canonical path, if mapped.
func (r *CanonicalRecord) Field(path string) (any, bool) {
	v, ok := r.Fields[path]
	return v, ok
}

// StringField returns the value at path if it is a non-empty string.
func (r *CanonicalRecord) StringField(path string) string {
	if v, ok := r.Fields[path]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
