package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs_Empty(t *testing.T) {
	ids, err := parseIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestParseIDs_CommaSeparated(t *testing.T) {
	ids, err := parseIDs("1, 2,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestParseIDs_InvalidID(t *testing.T) {
	_, err := parseIDs("1,abc")
	require.Error(t, err)
}

func TestExitCodeFor_LockContention(t *testing.T) {
	assert.Equal(t, 3, exitCodeFor(errors.New("database is locked")))
	assert.Equal(t, 3, exitCodeFor(errors.New("sqlite: busy")))
}

func TestExitCodeFor_PlainIOError(t *testing.T) {
	assert.Equal(t, 2, exitCodeFor(errors.New("permission denied")))
}
