// internal/discovery/parser.go
package discovery

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/arena-bridge/internal/arena"
)

// The arena is a Next.js app: the server streams its page data as "flight"
// chunks pushed through self.__next_f.push([...]) script tags. The model
// catalog hides inside one of those chunks under an initialModels key, and
// the dynamic-import map inside them names the JS bundle that carries the
// server-action identifiers.

var (
	flightPushRe = regexp.MustCompile(`self\.__next_f\.push\((\[[\s\S]*?\])\)</script>`)
	flightLineRe = regexp.MustCompile(`^[0-9a-fA-F]+:(.*)$`)
	actionPairRe = regexp.MustCompile(`\("([a-f0-9]{40,})".*?"(\w+)"\)`)
)

// flightLines extracts the per-line payloads from every flight push in the
// rendered HTML. Each returned string is the part after the "<hex>:" prefix.
func flightLines(html string) []string {
	var lines []string
	for _, m := range flightPushRe.FindAllStringSubmatch(html, -1) {
		push := gjson.Parse(m[1])
		payload := push.Get("1")
		if payload.Type != gjson.String {
			continue
		}
		for _, chunk := range strings.Split(payload.String(), "\n") {
			lm := flightLineRe.FindStringSubmatch(chunk)
			if lm == nil {
				continue
			}
			lines = append(lines, lm[1])
		}
	}
	return lines
}

const maxSearchDepth = 64

// findInitialModels walks a flight JSON value looking for an initialModels
// array anywhere in the tree. Flight trees interleave DOM structures with
// data props, so a bounded recursive search is the robust way in.
func findInitialModels(res gjson.Result, depth int) (gjson.Result, bool) {
	if depth > maxSearchDepth {
		return gjson.Result{}, false
	}
	if res.IsObject() {
		if models := res.Get("initialModels"); models.Exists() && models.IsArray() {
			return models, true
		}
	}
	var (
		found  gjson.Result
		okFlag bool
	)
	if res.IsObject() || res.IsArray() {
		res.ForEach(func(_, value gjson.Result) bool {
			if f, ok := findInitialModels(value, depth+1); ok {
				found, okFlag = f, true
				return false
			}
			return true
		})
	}
	return found, okFlag
}

// parseCatalog extracts the model catalog from rendered page HTML. Returns an
// empty slice when the marker is absent; the caller decides that is an error.
func parseCatalog(html string) []arena.Model {
	for _, line := range flightLines(html) {
		if !strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[") {
			continue
		}
		if !strings.Contains(line, "initialModels") {
			continue
		}
		parsed := gjson.Parse(line)
		models, ok := findInitialModels(parsed, 0)
		if !ok {
			continue
		}

		var out []arena.Model
		models.ForEach(func(_, m gjson.Result) bool {
			id := m.Get("id").String()
			name := m.Get("publicName").String()
			if id == "" || name == "" {
				return true
			}
			imageOut := m.Get("capabilities.outputCapabilities.image").Exists()
			// Only models that emit text or images are usable on the
			// evaluation surface; embedders and the like are skipped.
			if !imageOut && !m.Get("capabilities.outputCapabilities.text").Exists() {
				return true
			}
			out = append(out, arena.Model{
				ID:          id,
				PublicName:  name,
				VisionInput: m.Get("capabilities.inputCapabilities.image").Exists(),
				ImageOutput: imageOut,
			})
			return true
		})
		if len(out) > 0 {
			sort.Slice(out, func(i, j int) bool { return out[i].PublicName < out[j].PublicName })
			return out
		}
	}
	return nil
}

// bundlePaths extracts candidate _next JS bundle paths from the dynamic-import
// mappings ("I[...]" flight lines) whose component tag matches the evaluation
// surface. The most specific chunks come last in the mapping, so callers
// should probe in reverse order.
func bundlePaths(html string) []string {
	var paths []string
	for _, line := range flightLines(html) {
		if !strings.HasPrefix(line, "I[") {
			continue
		}
		mapping := gjson.Parse(line[1:])
		if !mapping.IsArray() {
			continue
		}
		items := mapping.Array()
		if len(items) < 3 || items[2].String() != "Evaluation" {
			continue
		}
		// items[1] alternates chunk-id, path, chunk-id, path...
		files := items[1].Array()
		for i := 1; i < len(files); i += 2 {
			if p := files[i].String(); p != "" {
				paths = append(paths, p)
			}
		}
	}
	// Reverse so the most specific chunk is probed first.
	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}
	return paths
}

// scanActionIDs pulls server-action identifiers out of bundle text. Only the
// logical names the bridge understands are kept.
func scanActionIDs(bundle string, wanted map[string]bool) map[string]string {
	found := make(map[string]string)
	for _, m := range actionPairRe.FindAllStringSubmatch(bundle, -1) {
		id, name := m[1], m[2]
		if wanted[name] {
			found[name] = id
		}
	}
	return found
}
