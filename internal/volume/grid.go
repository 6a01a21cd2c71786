package volume

// Grid is a row-major 2-D array.
type Grid[T any] struct {
	Rows int
	Cols int
	Data []T
}

// NewGrid allocates a zero-valued rows x cols grid.
func NewGrid[T any](rows, cols int) *Grid[T] {
	return &Grid[T]{Rows: rows, Cols: cols, Data: make([]T, rows*cols)}
}

func (g *Grid[T]) At(r, c int) T {
	return g.Data[r*g.Cols+c]
}

func (g *Grid[T]) Set(r, c int, v T) {
	g.Data[r*g.Cols+c] = v
}

// Map converts every cell of g with f.
func Map[T, U any](g *Grid[T], f func(T) U) *Grid[U] {
	out := &Grid[U]{Rows: g.Rows, Cols: g.Cols, Data: make([]U, len(g.Data))}
	for i, v := range g.Data {
		out.Data[i] = f(v)
	}
	return out
}

// Forward is the orientation applied to every cross-section before it is
// served: one quarter-turn counter-clockwise. The last column of the input
// becomes the first row of the output, so out[i][j] = in[j][cols-1-i].
func Forward[T any](g *Grid[T]) *Grid[T] {
	out := NewGrid[T](g.Cols, g.Rows)
	for i := 0; i < out.Rows; i++ {
		for j := 0; j < out.Cols; j++ {
			out.Set(i, j, g.At(j, g.Cols-1-i))
		}
	}
	return out
}

// Inverse undoes Forward: three further quarter-turns in the same direction,
// out[i][j] = in[rows-1-j][i]. It is applied to edited cross-sections before
// they are written back into a volume.
func Inverse[T any](g *Grid[T]) *Grid[T] {
	out := NewGrid[T](g.Cols, g.Rows)
	for i := 0; i < out.Rows; i++ {
		for j := 0; j < out.Cols; j++ {
			out.Set(i, j, g.At(g.Rows-1-j, i))
		}
	}
	return out
}
