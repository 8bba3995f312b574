package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "abcd…", truncate("abcdef", 5))
	// Multibyte descriptions must not be cut mid-rune.
	assert.Equal(t, "Caf…", truncate("Caféteria", 4))
}
