package normalize

import (
	"strings"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// aliasEntry maps a normalized key fragment to a canonical field with a
// fixed priority weight (1..12). Attribute confidence is derived as
// 0.6 + 0.4*(priority/12), so the weakest alias still lands at ~0.63 and
// an exact high-priority name at 1.0.
type aliasEntry struct {
	frag     string
	target   string
	priority int
}

const maxAliasPriority = 12

// aliasTable covers the common key spellings across EDR, firewall, email
// and cloud telemetry. Matching is substring in either direction on the
// separator-stripped lowercase key.
var aliasTable = []aliasEntry{
	{"srcip", "src.ip", 12},
	{"sourceip", "src.ip", 11},
	{"clientip", "src.ip", 9},
	{"dstip", "dst.ip", 12},
	{"destip", "dst.ip", 11},
	{"destinationip", "dst.ip", 10},
	{"remoteip", "dst.ip", 8},

	{"sha256", "file.hashes.sha256", 12},
	{"sha1", "file.hashes.sha1", 11},
	{"md5", "file.hashes.md5", 11},
	{"filehash", "file.hashes.sha256", 8},
	{"filepath", "file.path", 11},
	{"filename", "file.name", 10},
	{"filesize", "file.size", 9},
	{"fileextension", "file.extension", 8},

	{"originatorprocess", "process.name", 10},
	{"processname", "process.name", 10},
	{"commandline", "process.cmd.args", 10},
	{"processarguments", "process.cmd.args", 9},

	{"processuser", "actor.process.user.name", 9},
	{"loggedinusername", "actor.user.name", 8},
	{"username", "user.name", 9},

	{"computername", "device.hostname", 10},
	{"hostname", "device.hostname", 10},
	{"agentdomain", "device.domain", 8},
	{"ostype", "device.os.type", 8},
	{"osname", "device.os.name", 8},
	{"osrevision", "device.os.build", 7},
	{"agentversion", "device.agents[0].version", 8},
	{"machinetype", "device.type", 7},
	{"macaddress", "device.interface.mac", 8},

	{"threatname", "threat.name", 10},
	{"threatid", "threat.id", 10},
	{"classification", "threat.classification", 9},
	{"confidencelevel", "threat.confidence", 9},
	{"analystverdict", "threat.verdict", 10},
	{"verdict", "threat.verdict", 7},
	{"detectiontype", "threat.detection.type", 8},
	{"indicators", "threat.indicators", 7},
	{"identifiedat", "threat.detected_time", 8},

	{"mitigationstatus", "remediation.status", 9},
	{"incidentstatus", "incident.status", 9},

	{"emailfrom", "email.sender", 10},
	{"sender", "email.sender", 8},
	{"emailto", "email.recipient", 10},
	{"recipient", "email.recipient", 8},
	{"emailsubject", "email.subject", 9},
	{"subject", "email.subject", 6},

	{"severity", "severity_id", 8},
	{"eventaction", "event.action", 8},
	{"action", "event.action", 5},
	{"url", "event.url", 6},
	{"eventtime", "event.time", 8},
	{"timestamp", "event.time", 7},
	{"createdat", "event.time", 6},
	{"vendor", "metadata.vendor", 6},
	{"product", "metadata.product.name", 6},
}

// hardcodedOverrides are per-source exact dotted-path mappings curated by
// operators; they always win, at confidence 0.99.
var hardcodedOverrides = map[string]map[string]string{
	"sentinelone": {
		"threatInfo.filePath":                     "file.path",
		"threatInfo.sha256":                       "file.hashes.sha256",
		"threatInfo.sha1":                         "file.hashes.sha1",
		"threatInfo.md5":                          "file.hashes.md5",
		"threatInfo.fileSize":                     "file.size",
		"threatInfo.fileExtensionType":            "file.extension",
		"threatInfo.originatorProcess":            "process.name",
		"threatInfo.maliciousProcessArguments":    "process.cmd.args",
		"threatInfo.detectionType":                "threat.detection.type",
		"threatInfo.threatId":                     "threat.id",
		"threatInfo.threatName":                   "threat.name",
		"threatInfo.classification":               "threat.classification",
		"threatInfo.confidenceLevel":              "threat.confidence",
		"threatInfo.analystVerdict":               "threat.verdict",
		"threatInfo.incidentStatus":               "incident.status",
		"threatInfo.mitigationStatus":             "remediation.status",
		"threatInfo.identifiedAt":                 "threat.detected_time",
		"threatInfo.createdAt":                    "event.time",
		"agentRealtimeInfo.agentComputerName":     "device.hostname",
		"agentRealtimeInfo.agentOsType":           "device.os.type",
		"agentRealtimeInfo.agentOsName":           "device.os.name",
		"agentRealtimeInfo.agentUuid":             "device.uuid",
		"agentRealtimeInfo.agentMachineType":      "device.type",
		"agentDetectionInfo.agentDomain":          "device.domain",
		"agentDetectionInfo.agentVersion":         "device.agents[0].version",
		"agentDetectionInfo.agentLastLoggedInUserName": "actor.user.name",
		"agentDetectionInfo.externalIp":           "device.interface.ip",
		"agentDetectionInfo.siteName":             "device.location.desc",
	},
	"firewall": {
		"src":      "src.ip",
		"dst":      "dst.ip",
		"s_port":   "src.port",
		"service":  "dst.port",
		"proto":    "network.protocol",
		"rule":     "event.rule",
		"action":   "event.action",
		"origin":   "device.hostname",
	},
	"email": {
		"from":        "email.sender",
		"to":          "email.recipient",
		"subject":     "email.subject",
		"sender_ip":   "src.ip",
		"attachment":  "file.name",
		"attachment_sha256": "file.hashes.sha256",
	},
	"cloud": {
		"eventName":              "event.action",
		"eventSource":            "metadata.product.name",
		"sourceIPAddress":        "src.ip",
		"userIdentity.userName":  "user.name",
		"userIdentity.arn":       "user.uid",
		"awsRegion":              "device.location.desc",
		"eventTime":              "event.time",
	},
}

// typeConfidence is the fixed weight of each value-shape detection.
var typeConfidence = map[schema.ValueType]float64{
	schema.TypeSHA256:    0.98,
	schema.TypeSHA1:      0.96,
	schema.TypeMD5:       0.93,
	schema.TypeIPv4:      0.95,
	schema.TypeIPv6:      0.92,
	schema.TypeEmail:     0.90,
	schema.TypeURL:       0.85,
	schema.TypeTimestamp: 0.80,
	schema.TypeWinPath:   0.75,
	schema.TypeUnixPath:  0.72,
	schema.TypeHostname:  0.70,
	schema.TypeUsername:  0.60,
	schema.TypeNumber:    0.30,
	schema.TypeText:      0.30,
}

// typeFallbackTarget is where a value lands when only its shape is known.
// Text and numbers have no fallback; they are too weak to canonicalize.
var typeFallbackTarget = map[schema.ValueType]string{
	schema.TypeSHA256:    "file.hashes.sha256",
	schema.TypeSHA1:      "file.hashes.sha1",
	schema.TypeMD5:       "file.hashes.md5",
	schema.TypeIPv4:      "src.ip",
	schema.TypeIPv6:      "src.ip",
	schema.TypeEmail:     "email.sender",
	schema.TypeURL:       "event.url",
	schema.TypeTimestamp: "event.time",
	schema.TypeWinPath:   "file.path",
	schema.TypeUnixPath:  "file.path",
	schema.TypeHostname:  "device.hostname",
	schema.TypeUsername:  "user.name",
}

// typeToken is the substring that marks a canonical field as "about" a
// value type; when the attribute target already contains it, the
// attribute match is accepted without discounting.
var typeToken = map[schema.ValueType]string{
	schema.TypeSHA256:    "sha256",
	schema.TypeSHA1:      "sha1",
	schema.TypeMD5:       "md5",
	schema.TypeIPv4:      "ip",
	schema.TypeIPv6:      "ip",
	schema.TypeEmail:     "email",
	schema.TypeURL:       "url",
	schema.TypeTimestamp: "time",
	schema.TypeWinPath:   "path",
	schema.TypeUnixPath:  "path",
	schema.TypeHostname:  "hostname",
	schema.TypeUsername:  "user",
}

// verdictConfidence maps vendor confidence words to a 0..100 score, used
// when a source sends a word where the schema expects a number.
var verdictConfidence = map[string]float64{
	"critical":      95,
	"malicious":     90,
	"high":          85,
	"medium":        60,
	"suspicious":    50,
	"low":           30,
	"benign":        10,
	"informational": 10,
}

// normalizeKey lowercases a key and strips separators so that src_ip,
// Src-IP and srcIp all compare equal.
func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case '_', '-', '.', ' ', '[', ']':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lookupAlias fuzzy-matches a normalized key against the alias table:
// substring containment in either direction, highest priority wins, with
// the longer fragment breaking ties.
func lookupAlias(normKey string) (aliasEntry, bool) {
	var best aliasEntry
	found := false
	if normKey == "" {
		return best, false
	}
	for _, a := range aliasTable {
		if !strings.Contains(normKey, a.frag) && !strings.Contains(a.frag, normKey) {
			continue
		}
		if !found || a.priority > best.priority ||
			(a.priority == best.priority && len(a.frag) > len(best.frag)) {
			best = a
			found = true
		}
	}
	return best, found
}

// attrConfidence converts an alias priority into [0.6..1.0].
func attrConfidence(priority int) float64 {
	return 0.6 + 0.4*(float64(priority)/maxAliasPriority)
}
