package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "punctuation and spaces", in: "  Hello,  World!! ", want: "hello world"},
		{name: "full width", in: "ＡＢＣ１２３", want: "abc123"},
		{name: "cjk brackets", in: "小红帽（完整版）", want: "小红帽完整版"},
		{name: "cjk middle dot", in: "小红帽·童话", want: "小红帽童话"},
		{name: "apostrophe", in: "Don't Cry", want: "dont cry"},
		{name: "symbols between words", in: "Tom & Jerry", want: "tom jerry"},
		{name: "hyphenated", in: "Twinkle-Twinkle", want: "twinkletwinkle"},
		{name: "ideographic space", in: "小红帽\u3000童话", want: "小红帽 童话"},
		{name: "empty", in: " ... ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestDedupKeyStripsBracketTags(t *testing.T) {
	assert.Equal(t, "雪人", DedupKey("雪人【高音质】"))
	assert.Equal(t, "雪人", DedupKey("雪人 (Official Audio)"))
	assert.Equal(t, "snowman live", DedupKey("Snowman [HD] Live"))
	assert.Equal(t, "only tag", DedupKey("[Only Tag]"))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("雪人", "雪人"))
	assert.Equal(t, 0.0, Similarity("", "雪人"))
	assert.InDelta(t, 0.667, Similarity("abc", "abd"), 0.01)
	assert.Less(t, Similarity(Normalize("小红帽"), Normalize("小紅帽童話故事")), 0.5)
	assert.InDelta(t, 0.5, Similarity("小红帽", "小红帽童话故事"), 0.001)
}

func TestBigrams(t *testing.T) {
	assert.Equal(t, []string{"小红", "红帽"}, Bigrams("小红帽"))
	assert.Equal(t, []string{"a"}, Bigrams("a"))
	assert.Equal(t, []string{"ab"}, Bigrams("a b"))
	assert.Empty(t, Bigrams(""))
}
