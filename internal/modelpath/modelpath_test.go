package modelpath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameToDirEmpty(t *testing.T) {
	require.Equal(t, "_latest", NameToDir(""))
}

func TestNameToDirWithTag(t *testing.T) {
	require.Equal(t, "gpt-oss_7b", NameToDir("gpt-oss:7b"))
}

func TestNameToDirWithoutTag(t *testing.T) {
	require.Equal(t, "gpt-oss_latest", NameToDir("gpt-oss"))
}

func TestDirToNameSingleUnderscore(t *testing.T) {
	require.Equal(t, "gpt-oss:7b", DirToName("gpt-oss_7b"))
}

func TestDirToNameLossyForUnderscoreInFamily(t *testing.T) {
	// Known limitation (spec §9): splits at the last '_', so "foo_bar:7b"
	// cannot be recovered from its directory name alone.
	require.Equal(t, "foo_bar:7b", DirToName("foo_bar_7b"))
}

func TestRoundTripNameToDirIsStable(t *testing.T) {
	// P1: name_to_dir(dir_to_name(name_to_dir(m))) == name_to_dir(m)
	names := []string{"", "gpt-oss", "gpt-oss:7b", "llama:latest", "foo_bar:7b"}
	for _, m := range names {
		dir := NameToDir(m)
		require.Equal(t, dir, NameToDir(DirToName(dir)), "round trip for %q", m)
	}
}

func TestDirToNameRoundTripForSingleColonNames(t *testing.T) {
	names := []string{"gpt-oss:7b", "llama:latest", "mistral:v2"}
	for _, m := range names {
		require.Equal(t, m, DirToName(NameToDir(m)))
	}
}

func TestDirToNameNoUnderscore(t *testing.T) {
	require.Equal(t, "plainname", DirToName("plainname"))
}
