// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkTimeValuesWin(t *testing.T) {
	version = "v1.2.3"
	revision = "abcdef"
	assert.Equal(t, "v1.2.3", Version())
	assert.Equal(t, "abcdef", Revision())
}
