package mission

import "sort"

// Category names the worker pool that handles a task.
// The set is closed: every category maps to exactly one worker implementation.
type Category string

const (
	CategoryResearch    Category = "research"
	CategoryStrategy    Category = "strategy"
	CategoryCopywriting Category = "copywriting"
	CategoryDesign      Category = "design"
	CategoryReview      Category = "review"
	CategoryPublish     Category = "publish"
	CategoryNetworkInit Category = "network_init"
)

var knownCategories = map[Category]struct{}{
	CategoryResearch:    {},
	CategoryStrategy:    {},
	CategoryCopywriting: {},
	CategoryDesign:      {},
	CategoryReview:      {},
	CategoryPublish:     {},
	CategoryNetworkInit: {},
}

// KnownCategory reports whether c belongs to the closed category set.
func KnownCategory(c Category) bool {
	_, ok := knownCategories[c]
	return ok
}

// Categories returns every known category in lexical order.
func Categories() []Category {
	out := make([]Category, 0, len(knownCategories))
	for c := range knownCategories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
