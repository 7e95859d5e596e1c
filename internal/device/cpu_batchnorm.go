package device

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-norm/internal/simd"
)

// channelView maps a channel's elements to and from a contiguous buffer.
// Channels-first: element (n, c, s) lives at (n*C + c)*S + s.
// Channels-last:  element (n, c, s) lives at (n*S + s)*C + c.
type channelView struct {
	channelsLast bool
	batch        int
	channels     int
	spatial      int
}

func (v channelView) perChannel() int {
	return v.batch * v.spatial
}

func (v channelView) gather(dst, src []float32, c int) {
	if v.channelsLast {
		for i := 0; i < v.perChannel(); i++ {
			dst[i] = src[i*v.channels+c]
		}
		return
	}
	for n := 0; n < v.batch; n++ {
		start := (n*v.channels + c) * v.spatial
		copy(dst[n*v.spatial:(n+1)*v.spatial], src[start:start+v.spatial])
	}
}

func (v channelView) scatter(dst, src []float32, c int) {
	if v.channelsLast {
		for i := 0; i < v.perChannel(); i++ {
			dst[i*v.channels+c] = src[i]
		}
		return
	}
	for n := 0; n < v.batch; n++ {
		start := (n*v.channels + c) * v.spatial
		copy(dst[start:start+v.spatial], src[n*v.spatial:(n+1)*v.spatial])
	}
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// forEachChannel splits channels across workers, each with its own scratch.
func forEachChannel(channels, scratchLen, scratchCount int, fn func(c int, scratch [][]float32)) {
	workers := numWorkers
	if channels < workers {
		workers = channels
	}
	if workers < 1 {
		workers = 1
	}
	perWorker := (channels + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= channels {
			break
		}
		if end > channels {
			end = channels
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			scratch := make([][]float32, scratchCount)
			for i := range scratch {
				scratch[i] = make([]float32, scratchLen)
			}
			for c := start; c < end; c++ {
				fn(c, scratch)
			}
		}(start, end)
	}
	wg.Wait()
}

type forwardKernel struct {
	format   Format
	batch    int
	channels int
	spatial  int
	epsilon  float32
	flags    NormalizationFlags

	src, dst       []float32
	weights        []float32 // nil without UseScaleShift
	mean, variance []float32
}

func (k *forwardKernel) run() {
	view := channelView{
		channelsLast: k.format.ChannelsLast(),
		batch:        k.batch,
		channels:     k.channels,
		spatial:      k.spatial,
	}
	m := view.perChannel()
	global := k.flags.Has(UseGlobalStats)
	relu := k.flags.Has(FuseNormReLU)

	forEachChannel(k.channels, m, 1, func(c int, scratch [][]float32) {
		buf := scratch[0]
		view.gather(buf, k.src, c)

		var mean, variance float32
		if global {
			mean, variance = k.mean[c], k.variance[c]
			simd.SubScalar(buf, buf, mean)
		} else {
			mean = simd.Sum(buf) / float32(m)
			simd.SubScalar(buf, buf, mean)
			// Biased variance over the batch.
			variance = blas32.Dot(vec(buf), vec(buf)) / float32(m)
			k.mean[c] = mean
			k.variance[c] = variance
		}

		invStd := float32(1 / math.Sqrt(float64(variance)+float64(k.epsilon)))
		gamma, beta := float32(1), float32(0)
		if k.weights != nil {
			gamma, beta = k.weights[c], k.weights[k.channels+c]
		}
		simd.ScaleShift(buf, buf, gamma*invStd, beta)
		if relu {
			simd.ReLU(buf)
		}
		view.scatter(k.dst, buf, c)
	})
}

type backwardKernel struct {
	format   Format
	batch    int
	channels int
	spatial  int
	epsilon  float32
	flags    NormalizationFlags

	src, diffDst, diffSrc []float32
	mean, variance        []float32
	weights, diffWeights  []float32 // nil without UseScaleShift
}

func (k *backwardKernel) run() {
	view := channelView{
		channelsLast: k.format.ChannelsLast(),
		batch:        k.batch,
		channels:     k.channels,
		spatial:      k.spatial,
	}
	m := view.perChannel()
	global := k.flags.Has(UseGlobalStats)

	forEachChannel(k.channels, m, 2, func(c int, scratch [][]float32) {
		xhat, dy := scratch[0], scratch[1]
		view.gather(xhat, k.src, c)
		view.gather(dy, k.diffDst, c)

		invStd := float32(1 / math.Sqrt(float64(k.variance[c])+float64(k.epsilon)))
		simd.SubScalar(xhat, xhat, k.mean[c])
		blas32.Scal(invStd, vec(xhat))

		dBeta := simd.Sum(dy)
		dGamma := blas32.Dot(vec(xhat), vec(dy))

		gamma := float32(1)
		if k.weights != nil {
			gamma = k.weights[c]
		}

		if global {
			// Statistics are constants: dx = gamma * invStd * dy
			blas32.Scal(gamma*invStd, vec(dy))
		} else {
			// dx = gamma*invStd/M * (M*dy - dBeta - xhat*dGamma)
			simd.ScaleShift(dy, dy, float32(m), -dBeta)
			blas32.Axpy(-dGamma, vec(xhat), vec(dy))
			blas32.Scal(gamma*invStd/float32(m), vec(dy))
		}
		view.scatter(k.diffSrc, dy, c)

		if k.diffWeights != nil {
			k.diffWeights[c] = dGamma
			k.diffWeights[k.channels+c] = dBeta
		}
	})
}
