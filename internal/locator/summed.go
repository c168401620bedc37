package locator

// summedArea holds inclusive prefix sums of luminance, squared luminance and
// dark-pixel count with a zero guard row and column.
type summedArea struct {
	stride int
	sum    []float64
	sumSq  []float64
	dark   []float64
}

func newSummedArea(luma []float64, w, rows int) *summedArea {
	stride := w + 1
	s := &summedArea{
		stride: stride,
		sum:    make([]float64, stride*(rows+1)),
		sumSq:  make([]float64, stride*(rows+1)),
		dark:   make([]float64, stride*(rows+1)),
	}
	for y := 0; y < rows; y++ {
		var rs, rq, rd float64
		for x := 0; x < w; x++ {
			l := luma[y*w+x]
			rs += l
			rq += l * l
			if l < DarkCutoff {
				rd++
			}
			i := (y+1)*stride + x + 1
			up := y*stride + x + 1
			s.sum[i] = s.sum[up] + rs
			s.sumSq[i] = s.sumSq[up] + rq
			s.dark[i] = s.dark[up] + rd
		}
	}
	return s
}

func (s *summedArea) window(x, y, size int) (sum, sumSq, dark float64) {
	a := y*s.stride + x
	b := y*s.stride + x + size
	c := (y+size)*s.stride + x
	d := (y+size)*s.stride + x + size
	sum = s.sum[d] - s.sum[b] - s.sum[c] + s.sum[a]
	sumSq = s.sumSq[d] - s.sumSq[b] - s.sumSq[c] + s.sumSq[a]
	dark = s.dark[d] - s.dark[b] - s.dark[c] + s.dark[a]
	return sum, sumSq, dark
}
