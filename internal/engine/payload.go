package engine

import "strings"

// ExtractTerminalPayload picks the last balanced top-level JSON object out of
// raw engine output. The engine prints diagnostic banners before (and sometimes
// interleaved with) the payload, so the scan walks backward from the final '}'
// keeping a brace depth that increments on '}' and decrements on '{'; the span
// is complete when the depth returns to zero. Earlier objects in the stream are
// shadowed on purpose: only the final object is the terminal payload.
func ExtractTerminalPayload(out string) (string, bool) {
	end := strings.LastIndexByte(out, '}')
	if end < 0 {
		return "", false
	}

	depth := 0
	for i := end; i >= 0; i-- {
		switch out[i] {
		case '}':
			depth++
		case '{':
			depth--
		}
		if depth == 0 {
			return out[i : end+1], true
		}
	}
	return "", false
}
