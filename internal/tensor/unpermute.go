package tensor

import (
	"fmt"
)

// Unpermute undoes the rotary half-dimension interleave applied to query and
// key projections. The (dim1, dim2) matrix is viewed as
// (heads, 2, dim1/heads/2, dim2), axes 1 and 2 are swapped and the result is
// collapsed back to (dim1, dim2). The returned tensor owns a new buffer.
func Unpermute(t *Tensor, heads, dim1, dim2 int) (*Tensor, error) {
	return swapHalves(t, heads, dim1, dim2, "unpermute", false)
}

// Permute is the inverse of Unpermute.
func Permute(t *Tensor, heads, dim1, dim2 int) (*Tensor, error) {
	return swapHalves(t, heads, dim1, dim2, "permute", true)
}

func swapHalves(t *Tensor, heads, dim1, dim2 int, op string, inverse bool) (*Tensor, error) {
	fail := func(format string, args ...any) error {
		return &ShapeError{Tensor: t.Name, Op: op, Shape: t.Shape, Reason: fmt.Sprintf(format, args...)}
	}

	switch {
	case heads <= 0:
		return nil, fail("head count %d must be positive", heads)
	case dim1 <= 0 || dim2 <= 0:
		return nil, fail("target dims (%d, %d) must be positive", dim1, dim2)
	case len(t.Shape) != 2:
		return nil, fail("expected a 2-D matrix")
	case t.Shape[0] != dim1 || t.Shape[1] != dim2:
		return nil, fail("expected (%d, %d)", dim1, dim2)
	case dim1%(2*heads) != 0:
		return nil, fail("rows %d not divisible by 2*heads (%d)", dim1, 2*heads)
	case len(t.Data) != dim1*dim2:
		return nil, fail("buffer has %d elements, want %d", len(t.Data), dim1*dim2)
	}

	half := dim1 / heads / 2
	out := make([]float32, len(t.Data))
	for h := range heads {
		base := h * 2 * half
		for i := range half {
			for j := range 2 {
				// (h, j, i) in the source view lands at (h, i, j).
				src := base + j*half + i
				dst := base + i*2 + j
				if inverse {
					src, dst = dst, src
				}
				copy(out[dst*dim2:(dst+1)*dim2], t.Data[src*dim2:(src+1)*dim2])
			}
		}
	}

	return &Tensor{Name: t.Name, Shape: []int{dim1, dim2}, Data: out}, nil
}
