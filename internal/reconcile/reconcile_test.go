package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/structure"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

func TestResolve_ExactFilenameBeatsPosition(t *testing.T) {
	tree := []*schema.PageDescriptor{{ID: "intro", Title: "Intro", Filename: "intro.json"}}
	urls := []string{"https://h/p/overview.json", "https://h/p/intro.json"}

	got, err := Resolve(tree, urls, "intro")
	require.NoError(t, err)
	assert.Equal(t, "https://h/p/intro.json", got)
}

func TestResolve_PositionalFallback(t *testing.T) {
	tree := structure.Normalize([]byte(`{"toc":[
		{"id":"a","title":"A"},
		{"id":"b","title":"B","children":[{"id":"c","title":"C"}]}
	]}`))
	urls := []string{"https://h/p/0001", "https://h/p/0002", "https://h/p/0003"}

	for i, id := range []string{"a", "b", "c"} {
		got, err := Resolve(tree, urls, id)
		require.NoError(t, err)
		assert.Equal(t, urls[i], got, id)
	}
}

func TestResolve_StrategyOrder(t *testing.T) {
	cases := []struct {
		name     string
		node     *schema.PageDescriptor
		urls     []string
		want     string
		strategy Strategy
	}{
		{
			name:     "suffix ignored on both sides",
			node:     &schema.PageDescriptor{ID: "x", Filename: "setup"},
			urls:     []string{"https://h/a.json", "https://h/setup.json"},
			want:     "https://h/setup.json",
			strategy: StrategySuffix,
		},
		{
			name:     "bare id",
			node:     &schema.PageDescriptor{ID: "deploy", Filename: "custom-name.json"},
			urls:     []string{"https://h/a.json", "https://h/deploy.json"},
			want:     "https://h/deploy.json",
			strategy: StrategyID,
		},
		{
			name:     "safe filename form of the id",
			node:     &schema.PageDescriptor{ID: "Getting Started!", Filename: "whatever.json"},
			urls:     []string{"https://h/a.json", "https://h/getting-started-.json"},
			want:     "https://h/getting-started-.json",
			strategy: StrategyID,
		},
		{
			name:     "query and fragment ignored",
			node:     &schema.PageDescriptor{ID: "q", Filename: "q.json"},
			urls:     []string{"https://h/z.json", "https://h/q.json?X-Amz-Signature=abc#top"},
			want:     "https://h/q.json?X-Amz-Signature=abc#top",
			strategy: StrategyExact,
		},
		{
			name:     "percent-decoded segment",
			node:     &schema.PageDescriptor{ID: "数据流", Filename: "数据流.json"},
			urls:     []string{"https://h/z.json", "https://h/%E6%95%B0%E6%8D%AE%E6%B5%81.json"},
			want:     "https://h/%E6%95%B0%E6%8D%AE%E6%B5%81.json",
			strategy: StrategyExact,
		},
		{
			name:     "nested filename compares its base",
			node:     &schema.PageDescriptor{ID: "n", Filename: "sections/n.json"},
			urls:     []string{"https://h/z.json", "https://h/r2/sections/n.json"},
			want:     "https://h/r2/sections/n.json",
			strategy: StrategyExact,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := []*schema.PageDescriptor{tc.node}
			got, err := Resolve(tree, tc.urls, tc.node.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			b := ResolveAll(tree, tc.urls)
			require.Len(t, b, 1)
			assert.Equal(t, tc.strategy, b[0].Strategy)
		})
	}
}

func TestResolve_NotFoundIsPerPage(t *testing.T) {
	tree := structure.Normalize([]byte(`[{"id":"a"},{"id":"b"},{"id":"c"}]`))
	urls := []string{"https://h/a.json"}

	got, err := Resolve(tree, urls, "a")
	require.NoError(t, err)
	assert.Equal(t, "https://h/a.json", got)

	_, err = Resolve(tree, urls, "c")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeContentNotFound))
	var we *schema.WikiError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "c", we.PageID)
	assert.False(t, we.IsBlocking())

	_, err = Resolve(tree, urls, "ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeContentNotFound))

	_, err = Resolve(tree, nil, "a")
	assert.True(t, schema.HasCode(err, schema.ErrCodeContentNotFound))
}

func TestResolveAll_ReportsDisagreement(t *testing.T) {
	tree := structure.Normalize([]byte(`[{"id":"a"},{"id":"b"},{"id":"c"}]`))
	urls := []string{"https://h/b.json", "https://h/a.json", "https://h/9.json"}

	got := ResolveAll(tree, urls)
	require.Len(t, got, 3)

	assert.Equal(t, "https://h/a.json", got[0].URL)
	assert.Equal(t, StrategyExact, got[0].Strategy)
	assert.True(t, got[0].Disagrees)

	assert.Equal(t, "https://h/b.json", got[1].URL)
	assert.True(t, got[1].Disagrees)

	assert.Equal(t, "https://h/9.json", got[2].URL)
	assert.Equal(t, StrategyPosition, got[2].Strategy)
	assert.False(t, got[2].Disagrees)
}

func TestTrailingSegment(t *testing.T) {
	assert.Equal(t, "a.json", TrailingSegment("https://h/p/a.json"))
	assert.Equal(t, "a.json", TrailingSegment("https://h/p/a.json?_t=1#x"))
	assert.Equal(t, "p", TrailingSegment("https://h/p/"))
	assert.Equal(t, "a b.json", TrailingSegment("https://h/p/a%20b.json"))
	assert.Equal(t, "rel.json", TrailingSegment("dir/rel.json"))
	assert.Equal(t, "", TrailingSegment(""))
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "getting-started", SafeFilename("Getting Started"))
	assert.Equal(t, "api-v2.0_notes", SafeFilename("  API v2.0_notes "))
	assert.Equal(t, "a-b", SafeFilename("a/&b"))
	assert.Equal(t, "section", SafeFilename("   "))
	assert.Equal(t, "-", SafeFilename("数据流"))
}
