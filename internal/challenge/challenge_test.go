package challenge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSolve_S1Vector checks that a fixed 40-hex-char arg1 deterministically
// produces a 40-lowercase-hex token.
func TestSolve_S1Vector(t *testing.T) {
	html := `<html><script>var arg1='3000176000856006061501533003690027800375';</script></html>`

	token, ok := Solve(html)
	require.True(t, ok)
	assert.Len(t, token, 40)
	for _, r := range token {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "token must be lowercase hex, got %q", token)
	}
}

func TestSolve_Deterministic(t *testing.T) {
	html := `var arg1='ABCDEF0123456789ABCDEF0123456789ABCDEF01';`
	a, okA := Solve(html)
	b, okB := Solve(html)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, a, b)
}

func TestSolve_NoMarker(t *testing.T) {
	_, ok := Solve(`<html>nothing interesting here</html>`)
	assert.False(t, ok)
}

func TestSolve_ShortArg1(t *testing.T) {
	// arg1 shorter than the permutation table must not panic and must
	// still produce a result derived only from the available source bytes.
	token, ok := Solve(`var arg1='AB12';`)
	require.True(t, ok)
	assert.NotEmpty(t, token)
}

func TestBuildArg2_ShortArg1Compacts(t *testing.T) {
	arg2 := buildArg2("AB12")
	assert.Len(t, arg2, 4, "arg2 must compact to len(arg1), not the full permutation width")
	assert.NotContains(t, arg2, " ", "arg2 must not contain interspersed placeholder bytes")
}

func TestBuildArg2_FullArg1FillsAllSlots(t *testing.T) {
	arg2 := buildArg2("3000176000856006061501533003690027800375")
	assert.Len(t, arg2, len(permutation))
}

func TestHasChallengeMarker(t *testing.T) {
	assert.True(t, HasChallengeMarker("...acw_sc__v2=abc..."))
	assert.True(t, HasChallengeMarker("var arg1='DEAD';"))
	assert.False(t, HasChallengeMarker("<html>ordinary page</html>"))
}
