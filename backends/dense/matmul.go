// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// float64Kernels uses gonum's BLAS for the matrix multiplication of float64 values.
type float64Kernels struct {
	podKernels[float64]
}

func (f float64Kernels) matMulRows(c, a, b any, k, n, rowStart, rowEnd int) {
	if k == 0 || n == 0 {
		// BLAS requires strides >= 1.
		f.podKernels.matMulRows(c, a, b, k, n, rowStart, rowEnd)
		return
	}
	rows := rowEnd - rowStart
	cFlat, aFlat, bFlat := c.([]float64), a.([]float64), b.([]float64)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: rows, Cols: k, Stride: k, Data: aFlat[rowStart*k : rowEnd*k]},
		blas64.General{Rows: k, Cols: n, Stride: n, Data: bFlat},
		0,
		blas64.General{Rows: rows, Cols: n, Stride: n, Data: cFlat[rowStart*n : rowEnd*n]})
}

// float32Kernels uses gonum's BLAS for the matrix multiplication of float32 values.
type float32Kernels struct {
	podKernels[float32]
}

func (f float32Kernels) matMulRows(c, a, b any, k, n, rowStart, rowEnd int) {
	if k == 0 || n == 0 {
		f.podKernels.matMulRows(c, a, b, k, n, rowStart, rowEnd)
		return
	}
	rows := rowEnd - rowStart
	cFlat, aFlat, bFlat := c.([]float32), a.([]float32), b.([]float32)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: k, Stride: k, Data: aFlat[rowStart*k : rowEnd*k]},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: bFlat},
		0,
		blas32.General{Rows: rows, Cols: n, Stride: n, Data: cFlat[rowStart*n : rowEnd*n]})
}
