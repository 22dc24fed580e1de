//go:build netlib

// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// This file forces linking against the system CBLAS library
// when you build with `-tags netlib`.
func init() {
	blas32.Use(netlib.Implementation{})
}
