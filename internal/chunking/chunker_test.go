package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymentops/runbookqa/internal/ragerr"
)

func TestNewValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero size", Config{Size: 0, Overlap: 0, MaxChunksPerDocument: 10}},
		{"negative overlap", Config{Size: 100, Overlap: -1, MaxChunksPerDocument: 10}},
		{"overlap equals size", Config{Size: 100, Overlap: 100, MaxChunksPerDocument: 10}},
		{"zero max chunks", Config{Size: 100, Overlap: 10, MaxChunksPerDocument: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			require.Error(t, err)
			assert.Equal(t, ragerr.KindInvalidInput, ragerr.KindOf(err))
		})
	}
}

func TestNormalize(t *testing.T) {
	in := "  a\tb\r\nc  d\n\ne \v f  "
	assert.Equal(t, "a b\nc d\n\ne f", Normalize(in))
}

func TestSplitEmptyInput(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	for _, in := range []string{"", "   ", "\r\n\t "} {
		pieces, err := c.Split(in)
		require.NoError(t, err)
		assert.Empty(t, pieces)
	}
}

func TestSplitShortText(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	pieces, err := c.Split("check the processor dashboard")
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].Index)
	assert.Equal(t, "check the processor dashboard", pieces[0].Text)
	assert.Equal(t, HashText("check the processor dashboard"), pieces[0].Hash)
}

func TestSplitWindowGeometry(t *testing.T) {
	// 3000 chars with no sentence boundaries: windows advance by
	// size-overlap = 850, so ceil((3000-150)/850) = 4 chunks.
	c, err := New(Config{Size: 1000, Overlap: 150, MaxChunksPerDocument: 5000})
	require.NoError(t, err)

	text := strings.Repeat("x", 3000)
	pieces, err := c.Split(text)
	require.NoError(t, err)
	require.Len(t, pieces, 4)

	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
		assert.LessOrEqual(t, len(p.Text), 1100)
	}
	// Consecutive windows share the configured overlap.
	assert.Equal(t, 1000, len(pieces[0].Text))
	assert.Equal(t, pieces[0].Text[850:], pieces[1].Text[:150])
	// The tail window is not reprocessed past EOF.
	assert.Equal(t, 450, len(pieces[3].Text))
}

func TestSplitSentenceSnap(t *testing.T) {
	c, err := New(Config{Size: 100, Overlap: 10, MaxChunksPerDocument: 100})
	require.NoError(t, err)

	// A period at position 79 lies past the half-window mark (50), so
	// the first chunk snaps to it.
	text := strings.Repeat("a", 79) + "." + strings.Repeat("b", 100)
	pieces, err := c.Split(text)
	require.NoError(t, err)
	require.NotEmpty(t, pieces)
	assert.Equal(t, strings.Repeat("a", 79)+".", pieces[0].Text)
}

func TestSplitBoundaryBeforeHalfWindowIgnored(t *testing.T) {
	c, err := New(Config{Size: 100, Overlap: 10, MaxChunksPerDocument: 100})
	require.NoError(t, err)

	// The only period sits at position 20, before the half-window mark,
	// so the raw end is kept.
	text := strings.Repeat("a", 20) + "." + strings.Repeat("b", 200)
	pieces, err := c.Split(text)
	require.NoError(t, err)
	require.NotEmpty(t, pieces)
	assert.Equal(t, 100, len(pieces[0].Text))
}

func TestSplitDeterministic(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	text := strings.Repeat("Auth rate dropped. Check the processor dashboard first. ", 120)
	first, err := c.Split(text)
	require.NoError(t, err)
	second, err := c.Split(text)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash, second[i].Hash)
		assert.Equal(t, first[i].Index, second[i].Index)
	}
}

func TestSplitChunkExplosion(t *testing.T) {
	c, err := New(Config{Size: 10, Overlap: 0, MaxChunksPerDocument: 3})
	require.NoError(t, err)

	// Exactly the maximum passes.
	pieces, err := c.Split(strings.Repeat("x", 30))
	require.NoError(t, err)
	assert.Len(t, pieces, 3)

	// One chunk over the maximum fails.
	_, err = c.Split(strings.Repeat("x", 31))
	require.Error(t, err)
	assert.Equal(t, ragerr.KindChunkExplosion, ragerr.KindOf(err))
}

func TestSplitCoversAllContent(t *testing.T) {
	// Overlap exceeds the longest word below, so a word cut at a window
	// end reappears whole in the next window: every word of the
	// normalized input must survive chunking intact.
	c, err := New(Config{Size: 50, Overlap: 20, MaxChunksPerDocument: 5000})
	require.NoError(t, err)

	texts := []string{
		"Check the processor dashboard first. Then compare decline codes against yesterday. Escalate after thirty minutes.",
		"alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike november oscar papa quebec romeo sierra tango uniform victor whiskey xray yankee zulu",
		"line one\nline two has a few more words\nline three ends here\nline four closes it out",
	}
	for _, text := range texts {
		pieces, err := c.Split(text)
		require.NoError(t, err)

		var joined strings.Builder
		for _, p := range pieces {
			joined.WriteString(p.Text)
			joined.WriteString(" ")
		}
		for _, word := range strings.Fields(Normalize(text)) {
			assert.Contains(t, joined.String(), word, "chunking lost %q from %q", word, text)
		}
	}
}

func TestSplitForcedAdvanceTerminates(t *testing.T) {
	c, err := New(Config{Size: 10, Overlap: 9, MaxChunksPerDocument: 5000})
	require.NoError(t, err)

	pieces, err := c.Split(strings.Repeat("y", 200))
	require.NoError(t, err)
	assert.NotEmpty(t, pieces)
}

func TestSnippet(t *testing.T) {
	short := "short text"
	assert.Equal(t, short, Snippet(short))

	long := strings.Repeat("z", 300)
	got := Snippet(long)
	assert.Equal(t, strings.Repeat("z", 240)+"...", got)
}

func TestHashTextStable(t *testing.T) {
	assert.Equal(t, HashText("abc"), HashText("abc"))
	assert.NotEqual(t, HashText("abc"), HashText("abd"))
	assert.Len(t, HashText("abc"), 64)
}
