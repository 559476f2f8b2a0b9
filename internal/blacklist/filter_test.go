package blacklist_test

import (
	"testing"

	"github.com/kiranshivaraju/hubfeed-agent/internal/blacklist"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id int, text string) models.Item {
	return models.Item{"id": float64(id), "message": text}
}

// --- keyword rules ---

func TestFilter_FirstKeywordWins(t *testing.T) {
	rules := models.Rules{Keywords: []string{"spam", "test"}}

	res := blacklist.Filter([]models.Item{msg(1, "spam and test")}, rules)

	require.Len(t, res.Reasons, 1)
	assert.Equal(t, "keyword:spam", res.Reasons[0].Reason)
	assert.Equal(t, 1, res.FilteredCount)
	assert.Empty(t, res.Data)
}

func TestFilter_KeywordCaseInsensitive(t *testing.T) {
	rules := models.Rules{Keywords: []string{"Crypto"}}

	res := blacklist.Filter([]models.Item{msg(7, "free CRYPTO giveaway")}, rules)

	require.Len(t, res.Reasons, 1)
	assert.Equal(t, "keyword:Crypto", res.Reasons[0].Reason)
	assert.Equal(t, "7", res.Reasons[0].ItemID)
}

func TestFilter_KeywordUnicode(t *testing.T) {
	tests := []struct {
		name    string
		keyword string
		text    string
		match   bool
	}{
		{"cyrillic", "реклама", "Срочно! РЕКЛАМА канала", true},
		{"german sharp s folds", "STRASSE", "die Straße ist gesperrt", true},
		{"composed vs decomposed", "café", "le cafe\u0301 du coin", true},
		{"greek", "Σπαμ", "ένα σπαμ μήνυμα", true},
		{"no match", "реклама", "обычное сообщение", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := blacklist.Filter([]models.Item{msg(1, tt.text)}, models.Rules{Keywords: []string{tt.keyword}})
			if tt.match {
				assert.Equal(t, 1, res.FilteredCount)
			} else {
				assert.Equal(t, 0, res.FilteredCount)
			}
		})
	}
}

func TestFilter_CaptionFallback(t *testing.T) {
	items := []models.Item{
		{"id": float64(1), "media": map[string]any{"caption": "buy spam now"}},
		{"id": float64(2), "message": "", "media": map[string]any{"caption": "more spam"}},
	}

	res := blacklist.Filter(items, models.Rules{Keywords: []string{"spam"}})

	assert.Equal(t, 2, res.FilteredCount)
}

func TestFilter_MissingOrNullTextPasses(t *testing.T) {
	items := []models.Item{
		{"id": float64(1)},
		{"id": float64(2), "message": nil},
		{"id": float64(3), "media": nil},
		{"id": float64(4), "media": map[string]any{"caption": nil}},
	}

	res := blacklist.Filter(items, models.Rules{Keywords: []string{"spam"}})

	assert.Equal(t, 0, res.FilteredCount)
	assert.Len(t, res.Data, 4)
}

// --- sender rules ---

func TestFilter_SenderShapes(t *testing.T) {
	tests := []struct {
		name    string
		fromID  any
		pattern string
		match   bool
	}{
		{"channel id object", map[string]any{"channel_id": float64(999)}, "999", true},
		{"user id object", map[string]any{"_": "PeerUser", "user_id": float64(123456)}, "123456", true},
		{"plain string", "bob", "bob", true},
		{"pattern with at", "bob", "@bob", true},
		{"sender with at", "@bob", "bob", true},
		{"both with at", "@bob", "@bob", true},
		{"different user", "alice", "@bob", false},
		{"int id", int64(42), "42", true},
		{"empty object", map[string]any{}, "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := models.Item{"id": float64(1), "message": "hello", "from_id": tt.fromID}
			res := blacklist.Filter([]models.Item{item}, models.Rules{Senders: []string{tt.pattern}})
			if tt.match {
				require.Equal(t, 1, res.FilteredCount)
				assert.Equal(t, "sender:"+tt.pattern, res.Reasons[0].Reason)
			} else {
				assert.Equal(t, 0, res.FilteredCount)
			}
		})
	}
}

// --- channel rules ---

func TestFilter_ChannelShapes(t *testing.T) {
	items := []models.Item{
		{"id": float64(1), "peer_id": map[string]any{"channel_id": float64(1001)}},
		{"id": float64(2), "peer_id": map[string]any{"chat_id": float64(2002)}},
		{"id": float64(3), "peer_id": map[string]any{"channel_id": float64(3003)}},
	}

	res := blacklist.Filter(items, models.Rules{Channels: []string{"1001", "2002"}})

	require.Equal(t, 2, res.FilteredCount)
	assert.Equal(t, "channel:1001", res.Reasons[0].Reason)
	assert.Equal(t, "channel:2002", res.Reasons[1].Reason)
	require.Len(t, res.Data, 1)
	assert.Equal(t, float64(3), res.Data[0]["id"])
}

func TestFilter_RuleOrderKeywordBeforeSenderBeforeChannel(t *testing.T) {
	item := models.Item{
		"id":      float64(5),
		"message": "spam",
		"from_id": "bob",
		"peer_id": map[string]any{"channel_id": float64(10)},
	}
	rules := models.Rules{
		Keywords: []string{"spam"},
		Senders:  []string{"bob"},
		Channels: []string{"10"},
	}

	res := blacklist.Filter([]models.Item{item}, rules)
	assert.Equal(t, "keyword:spam", res.Reasons[0].Reason)

	rules.Keywords = nil
	res = blacklist.Filter([]models.Item{item}, rules)
	assert.Equal(t, "sender:bob", res.Reasons[0].Reason)

	rules.Senders = nil
	res = blacklist.Filter([]models.Item{item}, rules)
	assert.Equal(t, "channel:10", res.Reasons[0].Reason)
}

func TestFilter_PreservesOrderAndIndexes(t *testing.T) {
	items := []models.Item{msg(1, "ok"), msg(2, "spam"), msg(3, "fine"), msg(4, "spam again")}

	res := blacklist.Filter(items, models.Rules{Keywords: []string{"spam"}})

	require.Len(t, res.Data, 2)
	assert.Equal(t, "ok", res.Data[0]["message"])
	assert.Equal(t, "fine", res.Data[1]["message"])
	assert.Equal(t, 1, res.Reasons[0].Index)
	assert.Equal(t, 3, res.Reasons[1].Index)
}

func TestFilter_EmptyRulesKeepsEverything(t *testing.T) {
	items := []models.Item{msg(1, "spam")}

	res := blacklist.Filter(items, models.Rules{})

	assert.Equal(t, 0, res.FilteredCount)
	assert.Len(t, res.Data, 1)
	assert.NotNil(t, res.Reasons)
}

func TestFilter_EmptyInput(t *testing.T) {
	res := blacklist.Filter(nil, models.Rules{Keywords: []string{"x"}})
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
}

// --- Merge ---

func TestMerge_DeduplicatedUnion(t *testing.T) {
	global := models.Rules{
		Keywords: []string{"spam", "ads"},
		Senders:  []string{"@bot"},
	}
	avatar := models.Rules{
		Keywords: []string{"ads", "casino"},
		Channels: []string{"42"},
	}

	merged := blacklist.Merge(global, avatar)

	assert.Equal(t, []string{"spam", "ads", "casino"}, merged.Keywords)
	assert.Equal(t, []string{"@bot"}, merged.Senders)
	assert.Equal(t, []string{"42"}, merged.Channels)
}
