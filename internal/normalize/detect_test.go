package normalize

import (
	"testing"

	"github.com/stratumsec/alphapipe/internal/schema"
)

func TestDetectValueType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   any
		want schema.ValueType
	}{
		{"sha256", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", schema.TypeSHA256},
		{"sha1", "da39a3ee5e6b4b0d3255bfef95601890afd80709", schema.TypeSHA1},
		{"md5", "44d88612fea8a8f36de82e1278abb02f", schema.TypeMD5},
		{"ipv4", "8.8.8.8", schema.TypeIPv4},
		{"ipv6", "2001:db8::1", schema.TypeIPv6},
		{"email", "alice@example.com", schema.TypeEmail},
		{"url", "https://evil.example.com/payload.bin", schema.TypeURL},
		{"timestamp rfc3339", "2024-01-02T03:04:05Z", schema.TypeTimestamp},
		{"timestamp sql", "2024-01-02 03:04:05", schema.TypeTimestamp},
		{"windows path", `C:\Windows\System32\cmd.exe`, schema.TypeWinPath},
		{"unc path", `\\fileserver\share\doc.xlsx`, schema.TypeWinPath},
		{"unix path", "/usr/bin/python3", schema.TypeUnixPath},
		{"hostname", "workstation-042.corp.example.com", schema.TypeHostname},
		{"username", "jsmith", schema.TypeUsername},
		{"numeric string", "42", schema.TypeNumber},
		{"number", float64(3.5), schema.TypeNumber},
		{"free text", "Ransomware behavior detected on endpoint", schema.TypeText},
		{"empty", "", schema.TypeText},
		{"bool", true, schema.TypeText},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, conf := DetectValueType(tc.in)
			if got != tc.want {
				t.Fatalf("DetectValueType(%v) = %q, want %q", tc.in, got, tc.want)
			}
			if conf <= 0 || conf > 1 {
				t.Fatalf("confidence %v out of (0,1]", conf)
			}
			if conf != typeConfidence[tc.want] {
				t.Fatalf("confidence %v, want table value %v", conf, typeConfidence[tc.want])
			}
		})
	}
}

func TestDetectorPrecedence(t *testing.T) {
	t.Parallel()

	// 64 hex chars could also pass the hostname or username shape;
	// the ladder must report the most specific type.
	got, _ := DetectValueType("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	if got != schema.TypeSHA256 {
		t.Fatalf("got %q, want sha256", got)
	}
}

func TestConfidenceWord(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"critical":      95,
		"Malicious":     90,
		" high ":        85,
		"medium":        60,
		"suspicious":    50,
		"low":           30,
		"benign":        10,
		"informational": 10,
		"weird-vendor":  70,
		"":              70,
	}
	for in, want := range cases {
		if got := ConfidenceWord(in); got != want {
			t.Errorf("ConfidenceWord(%q) = %v, want %v", in, got, want)
		}
	}
}
