package normalize

import (
	"strconv"
	"strings"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// applyBuilders runs the source-aware composite builders that assemble
// canonical fields no single leaf can produce: aggregated IP lists,
// detection product names and enrichment blocks.
func applyBuilders(rec *schema.CanonicalRecord, raw schema.RawAlert) {
	buildIPv4List(rec, raw)
	buildProductNames(rec, raw)
	buildEnrichments(rec, raw)
}

// buildIPv4List collects every agent IPv4 address: the comma-separated
// detection-time list plus each reported network interface.
func buildIPv4List(rec *schema.CanonicalRecord, raw schema.RawAlert) {
	var ips []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		ips = append(ips, s)
	}

	if s, ok := getNested(raw, "agentDetectionInfo", "agentIpV4").(string); ok {
		for _, part := range strings.Split(s, ",") {
			add(part)
		}
	}
	if ifaces, ok := getNested(raw, "agentRealtimeInfo", "networkInterfaces").([]any); ok {
		for _, it := range ifaces {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			switch inet := m["inet"].(type) {
			case string:
				add(inet)
			case []any:
				for _, v := range inet {
					if s, ok := v.(string); ok {
						add(s)
					}
				}
			}
		}
	}

	for i, ip := range ips {
		rec.Fields["device.interface.ip_list["+strconv.Itoa(i)+"]"] = ip
	}
}

// buildProductNames records which detection engines fired: the initiating
// component plus each engine name from the threat report.
func buildProductNames(rec *schema.CanonicalRecord, raw schema.RawAlert) {
	var names []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		names = append(names, s)
	}

	if s, ok := getNested(raw, "threatInfo", "initiatedBy").(string); ok {
		add(s)
	}
	if engines, ok := getNested(raw, "threatInfo", "engines").([]any); ok {
		for _, e := range engines {
			switch ev := e.(type) {
			case string:
				add(ev)
			case map[string]any:
				if s, ok := ev["title"].(string); ok {
					add(s)
				}
			}
		}
	}

	for i, name := range names {
		rec.Fields["detection.products["+strconv.Itoa(i)+"].name"] = name
	}
}

// buildEnrichments pins third-party enrichment payloads to fixed slots so
// downstream consumers address them positionally: reputation first,
// multiscanner second.
func buildEnrichments(rec *schema.CanonicalRecord, raw schema.RawAlert) {
	slots := []struct {
		sourceKey string
		provider  string
		index     int
	}{
		{"cp_enrichment", "reputation", 0},
		{"vt_enrichment", "multiscanner", 1},
	}
	for _, slot := range slots {
		data, ok := raw[slot.sourceKey]
		if !ok || data == nil {
			continue
		}
		prefix := "enrichments[" + strconv.Itoa(slot.index) + "]"
		rec.Fields[prefix+".provider"] = slot.provider
		for path, v := range schema.Flatten(data) {
			rec.Fields[prefix+".data."+path] = v
		}
	}
}

// getNested walks string keys through nested maps, nil when any hop is
// missing or not an object.
func getNested(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[k]
		if !ok {
			return nil
		}
	}
	return cur
}
