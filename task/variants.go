package task

import (
	"strings"

	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/lang"
)

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "minecraft:")
	return strings.Join(strings.Fields(name), "_")
}

// NameVariants returns the item names accepted for block, most specific first.
func NameVariants(block string) []string {
	base := normalize(block)
	if base == "" {
		return nil
	}
	candidates := []string{base}
	words := strings.Split(base, "_")
	last := words[len(words)-1]
	if singular := lang.Singular(last); singular != last {
		candidates = append(candidates, strings.Join(append(words[:len(words)-1:len(words)-1], singular), "_"))
	}
	if plural := lang.Plural(last); plural != last {
		candidates = append(candidates, strings.Join(append(words[:len(words)-1:len(words)-1], plural), "_"))
	}
	if strings.HasSuffix(base, "_block") {
		candidates = append(candidates, strings.TrimSuffix(base, "_block"))
	} else {
		candidates = append(candidates, base+"_block")
	}
	candidates = append(candidates, strings.ReplaceAll(base, "_", ""))

	seen := map[string]bool{}
	result := []string{}
	for _, c := range candidates {
		if c != "" && !seen[c] {
			seen[c] = true
			result = append(result, c)
		}
	}
	return result
}

// MatchItem finds a stack to place. Exact variant matches win in variant order;
// failing that any stack whose name contains, or is contained in, the block
// name is used.
func MatchItem(items []client.Item, variants []string) (client.Item, bool) {
	usable := []client.Item{}
	for _, item := range items {
		if item.Count > 0 {
			usable = append(usable, item)
		}
	}
	for _, variant := range variants {
		for _, item := range usable {
			if normalize(item.Name) == variant || normalize(item.DisplayName) == variant {
				return item, true
			}
		}
	}
	if len(variants) == 0 {
		return client.Item{}, false
	}
	base := variants[0]
	for _, item := range usable {
		name := normalize(item.Name)
		if len(name) < 3 {
			continue
		}
		if strings.Contains(name, base) || strings.Contains(base, name) {
			return item, true
		}
	}
	return client.Item{}, false
}
