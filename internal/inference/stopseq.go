package inference

import "strings"

// defaultStopSequences is the fixed list of control tokens that always
// terminate generation, in addition to any request-level stop sequences.
func defaultStopSequences() []string {
	return []string{
		"<|im_end|>",
		"<|end|>",
		"<|start|>",
		"<|eot_id|>",
		"</s>",
		"<|endoftext|>",
	}
}

// findEarliestStop scans buf for every sequence in stops and returns the
// earliest match. Ties (two sequences starting at the same index) are
// broken by list order: the first-listed sequence wins, per spec.md §4.8
// step 6's "first match in list order" rule.
func findEarliestStop(buf string, stops []string) (idx int, matched string, ok bool) {
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		i := strings.Index(buf, s)
		if i < 0 {
			continue
		}
		if best == -1 || i < best {
			best = i
			matched = s
		}
	}
	if best == -1 {
		return 0, "", false
	}
	return best, matched, true
}
