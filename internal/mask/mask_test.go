package mask

import (
	"testing"

	"github.com/holger24/afd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySetMatchesNothing(t *testing.T) {
	s, err := CompileSet(nil)
	require.NoError(t, err)
	assert.True(t, s.Empty())
	assert.False(t, s.Match("any.txt"))
}

func TestPositiveMask(t *testing.T) {
	s, err := CompileSet([]string{"*.txt"})
	require.NoError(t, err)

	assert.True(t, s.Match("report.txt"))
	assert.True(t, s.Match(".hidden.txt"))
	assert.False(t, s.Match("report.dat"))
	assert.False(t, s.Match("report.txt.tmp"))
}

func TestNegationFirstMatchWins(t *testing.T) {
	s, err := CompileSet([]string{"!*.tmp", "*"})
	require.NoError(t, err)

	assert.False(t, s.Match("upload.tmp"))
	assert.True(t, s.Match("upload.dat"))
}

func TestNegationAfterPositive(t *testing.T) {
	// The positive mask matches first, so the negation never applies.
	s, err := CompileSet([]string{"*", "!*.tmp"})
	require.NoError(t, err)

	assert.True(t, s.Match("upload.tmp"))
}

func TestQuestionMarkAndClass(t *testing.T) {
	s, err := CompileSet([]string{"obs_??.b[iu]n"})
	require.NoError(t, err)

	assert.True(t, s.Match("obs_01.bin"))
	assert.True(t, s.Match("obs_99.bun"))
	assert.False(t, s.Match("obs_1.bin"))
	assert.False(t, s.Match("obs_01.ban"))
}

func TestClassNegation(t *testing.T) {
	s, err := CompileSet([]string{"data[!0-9]"})
	require.NoError(t, err)

	assert.True(t, s.Match("dataX"))
	assert.False(t, s.Match("data5"))
}

func TestLiteralDotsAreNotWildcards(t *testing.T) {
	s, err := CompileSet([]string{"a.b"})
	require.NoError(t, err)

	assert.True(t, s.Match("a.b"))
	assert.False(t, s.Match("aXb"))
}

func TestCompileRejectsEmptyMask(t *testing.T) {
	_, err := Compile("")
	assert.Error(t, err)
	_, err = Compile("!")
	assert.Error(t, err)
}

func TestRename_Apply(t *testing.T) {
	r, err := CompileRename(config.RenameDef{
		Name: "datestamp",
		Maps: []config.RenameMap{
			{From: "*.txt", To: "$1.dat"},
			{From: "obs_*_*.bin", To: "$2/obs_$1.bin"},
		},
	})
	require.NoError(t, err)

	got, ok := r.Apply("report.txt")
	require.True(t, ok)
	assert.Equal(t, "report.dat", got)

	got, ok = r.Apply("obs_berlin_202608.bin")
	require.True(t, ok)
	assert.Equal(t, "202608/obs_berlin.bin", got)

	got, ok = r.Apply("unmatched.bin")
	assert.False(t, ok)
	assert.Equal(t, "unmatched.bin", got)
}

func TestRename_FirstMapWins(t *testing.T) {
	r, err := CompileRename(config.RenameDef{
		Name: "order",
		Maps: []config.RenameMap{
			{From: "*.txt", To: "first"},
			{From: "*", To: "second"},
		},
	})
	require.NoError(t, err)

	got, _ := r.Apply("x.txt")
	assert.Equal(t, "first", got)
	got, _ = r.Apply("x.bin")
	assert.Equal(t, "second", got)
}

func TestRename_QuestionMarkCapture(t *testing.T) {
	r, err := CompileRename(config.RenameDef{
		Name: "shift",
		Maps: []config.RenameMap{{From: "?-*", To: "$2.$1"}},
	})
	require.NoError(t, err)

	got, ok := r.Apply("a-file")
	require.True(t, ok)
	assert.Equal(t, "file.a", got)
}
