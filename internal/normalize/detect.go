package normalize

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/stratumsec/alphapipe/internal/schema"
)

var (
	sha256Re   = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)
	sha1Re     = regexp.MustCompile(`^[A-Fa-f0-9]{40}$`)
	md5Re      = regexp.MustCompile(`^[A-Fa-f0-9]{32}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	winPathRe  = regexp.MustCompile(`^[A-Za-z]:\\|^\\\\`)
	hostnameRe = regexp.MustCompile(`^(?i:[a-z0-9](?:[a-z0-9-]{0,62})\.)+[a-z]{2,}$`)
	usernameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{2,31}$`)
	numberRe   = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// timestampLayouts are tried in order for string timestamps; epoch values
// arrive as numbers and are handled by the caller.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// DetectValueType classifies a scalar by shape. Non-string scalars are
// numbers or text; strings run through the detector ladder from most to
// least specific so a SHA-256 is never mistaken for a hostname.
func DetectValueType(v any) (schema.ValueType, float64) {
	s, ok := v.(string)
	if !ok {
		switch v.(type) {
		case float64, float32, int, int64, int32, uint, uint64:
			return schema.TypeNumber, typeConfidence[schema.TypeNumber]
		default:
			return schema.TypeText, typeConfidence[schema.TypeText]
		}
	}
	t := classifyString(strings.TrimSpace(s))
	return t, typeConfidence[t]
}

func classifyString(s string) schema.ValueType {
	if s == "" {
		return schema.TypeText
	}
	switch {
	case sha256Re.MatchString(s):
		return schema.TypeSHA256
	case sha1Re.MatchString(s):
		return schema.TypeSHA1
	case md5Re.MatchString(s):
		return schema.TypeMD5
	}
	if ip := net.ParseIP(s); ip != nil {
		if ip.To4() != nil {
			return schema.TypeIPv4
		}
		return schema.TypeIPv6
	}
	if emailRe.MatchString(s) {
		return schema.TypeEmail
	}
	if isURL(s) {
		return schema.TypeURL
	}
	if isTimestamp(s) {
		return schema.TypeTimestamp
	}
	if winPathRe.MatchString(s) {
		return schema.TypeWinPath
	}
	if strings.HasPrefix(s, "/") && strings.Count(s, "/") >= 2 && !strings.Contains(s, " ") {
		return schema.TypeUnixPath
	}
	if hostnameRe.MatchString(s) {
		return schema.TypeHostname
	}
	if numberRe.MatchString(s) {
		return schema.TypeNumber
	}
	if usernameRe.MatchString(s) {
		return schema.TypeUsername
	}
	return schema.TypeText
}

func isURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") &&
		!strings.HasPrefix(s, "ftp://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}

func isTimestamp(s string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// ConfidenceWord converts a vendor confidence/severity word to a 0..100
// score; unknown words score 70 so an unrecognized vendor vocabulary is
// not silently treated as benign.
func ConfidenceWord(s string) float64 {
	if v, ok := verdictConfidence[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v
	}
	return 70
}
