package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ontanj/conjunction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrajectoryFile(t *testing.T) {
	subs, err := parseTrajectoryFile("trajectories.txt")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, conjunction.Identity("bob"), subs[1].operator)
	assert.Equal(t, [5]uint64{13, 24, 30, 5, 70}, subs[1].values)
}

func TestParseTrajectoryFileErrors(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"short":    "alice,1,2,3\n",
		"negative": "alice,1,2,3,4,-5\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := parseTrajectoryFile(path)
			assert.ErrorContains(t, err, "line 1")
		})
	}

	_, err := parseTrajectoryFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
