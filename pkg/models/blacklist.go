package models

// Rules is a blacklist rule set.
type Rules struct {
	Keywords []string `json:"keywords"`
	Senders  []string `json:"senders"`
	Channels []string `json:"channels"`
}

// Empty reports whether no rule is set.
func (r Rules) Empty() bool {
	return len(r.Keywords) == 0 && len(r.Senders) == 0 && len(r.Channels) == 0
}

// Blacklist holds the global rules plus per-avatar overrides.
type Blacklist struct {
	Global   Rules            `json:"global"`
	ByAvatar map[string]Rules `json:"by_avatar"`
}

// FilterReason records why an item was removed.
type FilterReason struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	ItemID any    `json:"item_id"`
}

// FilterResult is the output of a blacklist pass.
type FilterResult struct {
	Data          []Item         `json:"data"`
	FilteredCount int            `json:"filtered_count"`
	Reasons       []FilterReason `json:"reasons"`
}
