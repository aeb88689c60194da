package canonicalkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStrongestFirst(t *testing.T) {
	cands, err := Derive(Evidence{
		Website:      "https://www.Acme.AI/about",
		GithubOrg:    "acme-labs",
		CrunchbaseID: "acme-123",
	})
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "domain:acme.ai", cands[0].String())
	assert.Equal(t, KindCrunchbase, cands[1].Kind, "expected crunchbase second (rank before github_org)")
	assert.Equal(t, KindGithubOrg, cands[2].Kind, "expected github_org last")
}

func TestDeriveEmptyEvidenceFails(t *testing.T) {
	_, err := Derive(Evidence{})
	assert.ErrorIs(t, err, ErrInsufficientEvidence)
}

func TestDeriveRejectsSingleCharValues(t *testing.T) {
	_, err := Derive(Evidence{CompanyName: "a", Region: "b"})
	assert.ErrorIs(t, err, ErrInsufficientEvidence)
}

func TestNormalizeDomainVariants(t *testing.T) {
	cases := map[string]string{
		"acme.ai":               "domain:acme.ai",
		"https://acme.ai":       "domain:acme.ai",
		"http://www.acme.ai/":   "domain:acme.ai",
		"www.acme.ai.":          "domain:acme.ai",
		"sub.acme.ai":           "domain:acme.ai",
		"foo.bar.acme.co.uk":    "domain:acme.co.uk",
		"acme.ai:8080/path?x=1": "domain:acme.ai",
	}
	for input, want := range cases {
		c, err := Best(Evidence{Website: input})
		require.NoErrorf(t, err, "input %q", input)
		assert.Equalf(t, want, c.String(), "input %q", input)
	}
}

func TestDeriveIsPureAndDeterministic(t *testing.T) {
	e := Evidence{Website: "acme.ai", CompanyName: "Acme Inc", Region: "UK"}
	a, err := Derive(e)
	require.NoError(t, err)
	b, err := Derive(e)
	require.NoError(t, err)
	require.Equal(t, len(a), len(b), "non-deterministic candidate count")
	assert.Equal(t, a, b, "non-deterministic candidate set")
}

func TestRoundTripIdempotence(t *testing.T) {
	// canonical_key(normalize(x)) == canonical_key(x)
	first, err := Best(Evidence{Website: "HTTPS://WWW.Acme.AI/"})
	require.NoError(t, err)
	second, err := Best(Evidence{Website: first.Value})
	require.NoError(t, err)
	assert.Equal(t, first.String(), second.String())
}

func TestNameLocCandidate(t *testing.T) {
	c, err := Best(Evidence{CompanyName: "Acme Inc", Region: "London"})
	require.NoError(t, err)
	assert.Equal(t, KindNameLoc, c.Kind)
	assert.Equal(t, "acme inc|london", c.Value)
}

func TestWeakKeysAreNotStrong(t *testing.T) {
	assert.False(t, KindGithubOrg.Strong())
	assert.False(t, KindGithubRepo.Strong())
	assert.False(t, KindNameLoc.Strong())
	assert.True(t, KindDomain.Strong())
	assert.True(t, KindPitchbook.Strong())
}

func TestDeriveDeduplicates(t *testing.T) {
	cands, err := Derive(Evidence{Website: "acme.ai"})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range cands {
		assert.False(t, seen[c.String()], "duplicate candidate: %s", c.String())
		seen[c.String()] = true
	}
}
