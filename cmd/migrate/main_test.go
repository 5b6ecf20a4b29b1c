package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunValidatesArguments(t *testing.T) {
	t.Setenv("STRATEGOS_DATABASE_DSN", "")
	require.ErrorContains(t, run([]string{"up"}), "-database")
	require.ErrorContains(t, run([]string{"-database", "postgres://x"}), "command required")
	require.ErrorContains(t, run([]string{"-database", "postgres://x", "-quiet", "sideways"}), "unknown command")
	require.ErrorContains(t, run([]string{"-database", "postgres://x", "-quiet", "down", "two"}), "invalid down steps")
}
