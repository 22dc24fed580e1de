// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

// BLAS bridge for single-precision matrix multiplication.
//
// All matmuls in this package funnel through these three wrappers so the
// backend is swappable in one place. The default backend is gonum's pure-Go
// BLAS (portable, no cgo). Building with -tags netlib registers whatever
// C BLAS cblas links against (OpenBLAS, MKL, Accelerate) via blas32.Use;
// see sgemm_netlib.go.
//
// Leading-dimension convention is row-major: lda/ldb/ldc are the strides in
// elements between consecutive rows of the physical storage.

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// sgemm computes C = alpha*A@B + beta*C.
// A: [m, k] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// The early return on zero dimensions keeps callers free to pass empty
// batches without tripping the backend's bounds validation.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(
		blas.NoTrans, blas.NoTrans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc,
	)
}

// sgemmTransA computes C = alpha*A^T@B + beta*C with the transpose flag on A,
// avoiding a transposed copy.
// A: [k, m] row-major (lda is its physical row stride, >= m),
// B: [k, n] row-major, C: [m, n] row-major.
//
// Used by Linear.Backward for dW = gradOutput^T @ input and by the
// convolution backward for the column-gradient product.
func sgemmTransA(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(
		blas.Trans, blas.NoTrans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc,
	)
}

// sgemmTransB computes C = alpha*A@B^T + beta*C with the transpose flag on B,
// avoiding a transposed copy.
// A: [m, k] row-major, B: [n, k] row-major (ldb is its physical row stride),
// C: [m, n] row-major.
//
// Used by Linear.Forward (weight stored as [out, in], need input @ weight^T)
// and by the attention context product.
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Implementation().Sgemm(
		blas.NoTrans, blas.Trans,
		m, n, k,
		alpha, a, lda,
		b, ldb,
		beta, c, ldc,
	)
}
