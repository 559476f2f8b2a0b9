// Package blacklist removes content items that match keyword, sender or
// channel rules before results leave the agent.
package blacklist

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Filter partitions items into kept and removed. The first matching rule wins,
// checked in the order keyword, sender, channel. Kept items keep their order.
// Data is never nil.
func Filter(items []models.Item, rules models.Rules) models.FilterResult {
	result := models.FilterResult{
		Data:    make([]models.Item, 0, len(items)),
		Reasons: []models.FilterReason{},
	}
	if rules.Empty() {
		result.Data = append(result.Data, items...)
		return result
	}

	m := newMatcher(rules)
	for i, item := range items {
		reason := m.check(item)
		if reason == "" {
			result.Data = append(result.Data, item)
			continue
		}
		result.Reasons = append(result.Reasons, models.FilterReason{
			Index:  i,
			Reason: reason,
			ItemID: itemID(item),
		})
	}
	result.FilteredCount = len(result.Reasons)
	return result
}

// Merge returns the de-duplicated union of global and avatar rules.
// Global entries come first.
func Merge(global, avatar models.Rules) models.Rules {
	return models.Rules{
		Keywords: union(global.Keywords, avatar.Keywords),
		Senders:  union(global.Senders, avatar.Senders),
		Channels: union(global.Channels, avatar.Channels),
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// matcher holds rules with keywords folded once per Filter call.
// cases.Caser is stateful, so a matcher must not be shared between goroutines.
type matcher struct {
	rules  models.Rules
	folded []string
	fold   cases.Caser
}

func newMatcher(rules models.Rules) *matcher {
	m := &matcher{rules: rules, fold: cases.Fold()}
	m.folded = make([]string, len(rules.Keywords))
	for i, kw := range rules.Keywords {
		m.folded[i] = m.normalize(kw)
	}
	return m
}

func (m *matcher) normalize(s string) string {
	return m.fold.String(norm.NFC.String(s))
}

func (m *matcher) check(item models.Item) string {
	if text := itemText(item); text != "" {
		text = m.normalize(text)
		for i, kw := range m.folded {
			if kw != "" && strings.Contains(text, kw) {
				return "keyword:" + m.rules.Keywords[i]
			}
		}
	}

	if sender := itemSender(item); sender != "" {
		for _, pattern := range m.rules.Senders {
			if matchSender(sender, pattern) {
				return "sender:" + pattern
			}
		}
	}

	if channel := itemChannel(item); channel != "" {
		for _, blocked := range m.rules.Channels {
			if channel == blocked {
				return "channel:" + blocked
			}
		}
	}

	return ""
}

// matchSender compares ids exactly and usernames with or without a leading @.
func matchSender(sender, pattern string) bool {
	if sender == pattern {
		return true
	}
	s := strings.TrimPrefix(sender, "@")
	p := strings.TrimPrefix(pattern, "@")
	return s != "" && s == p
}

// itemText returns the message body, falling back to the media caption.
func itemText(item models.Item) string {
	if s, ok := item["message"].(string); ok && s != "" {
		return s
	}
	if media, ok := item["media"].(map[string]any); ok {
		if s, ok := media["caption"].(string); ok {
			return s
		}
	}
	return ""
}

func itemSender(item models.Item) string {
	switch v := item["from_id"].(type) {
	case nil:
		return ""
	case map[string]any:
		if id := scalar(v["user_id"]); id != "" {
			return id
		}
		return scalar(v["channel_id"])
	default:
		return scalar(v)
	}
}

func itemChannel(item models.Item) string {
	switch v := item["peer_id"].(type) {
	case nil:
		return ""
	case map[string]any:
		if id := scalar(v["channel_id"]); id != "" {
			return id
		}
		return scalar(v["chat_id"])
	default:
		return scalar(v)
	}
}

func itemID(item models.Item) any {
	if id := scalar(item["id"]); id != "" {
		return id
	}
	return nil
}

// scalar renders JSON-ish identifiers as strings. Zero values count as absent.
func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
