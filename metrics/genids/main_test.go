// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedIDsAreCurrent(t *testing.T) {
	input, err := os.ReadFile("../metrics.json")
	require.NoError(t, err)
	expected, err := os.ReadFile("../ids.go")
	require.NoError(t, err)

	output, err := generate(input)
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(output))
}

func TestGenerateRejectsGaps(t *testing.T) {
	_, err := generate([]byte(`[{"name":"Invalid","id":0},{"name":"A","id":2}]`))
	require.Error(t, err)

	_, err = generate([]byte(`not json`))
	require.Error(t, err)
}
