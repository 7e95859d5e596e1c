// Package params loads and stores per-channel batch normalization parameters.
//
// A parameter file is raw little-endian float32: C scales, C biases, C
// running means and C running variances, in that order.
package params

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-norm/internal/framework"
)

const sections = 4

// Set holds the parameters of one batch_norm layer.
type Set struct {
	Scale    *framework.DenseTensor
	Bias     *framework.DenseTensor
	Mean     *framework.DenseTensor
	Variance *framework.DenseTensor
}

// Channels returns C.
func (s *Set) Channels() int {
	return s.Scale.NumElements()
}

func (s *Set) tensors() []*framework.DenseTensor {
	return []*framework.DenseTensor{s.Scale, s.Bias, s.Mean, s.Variance}
}

// Default returns identity parameters: scale 1, bias 0, mean 0, variance 1.
func Default(channels int) *Set {
	fill := func(v float32) *framework.DenseTensor {
		data := make([]float32, channels)
		for i := range data {
			data[i] = v
		}
		t, _ := framework.NewDenseTensor([]int64{int64(channels)}, data)
		return t
	}
	return &Set{Scale: fill(1), Bias: fill(0), Mean: fill(0), Variance: fill(1)}
}

// Load memory-maps path and decodes a set of the given channel count.
func Load(path string, channels int) (*Set, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("params: channels must be positive, got %d", channels)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("params: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("params: stat: %w", err)
	}
	want := int64(sections * channels * 4)
	if info.Size() != want {
		return nil, fmt.Errorf("params: %s is %d bytes, expected %d for %d channels", path, info.Size(), want, channels)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("params: mmap: %w", err)
	}
	defer func() {
		if err := m.Unmap(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to unmap params file")
		}
	}()

	set := &Set{}
	dst := []**framework.DenseTensor{&set.Scale, &set.Bias, &set.Mean, &set.Variance}
	for i, d := range dst {
		data := make([]float32, channels)
		off := i * channels * 4
		for j := range data {
			data[j] = math.Float32frombits(binary.LittleEndian.Uint32(m[off+j*4:]))
		}
		t, err := framework.NewDenseTensor([]int64{int64(channels)}, data)
		if err != nil {
			return nil, err
		}
		*d = t
	}

	log.Debug().Str("path", path).Int("channels", channels).Msg("Loaded batch_norm params")
	return set, nil
}

// Save writes s to path in the layout Load reads.
func Save(path string, s *Set) error {
	c := s.Channels()
	buf := make([]byte, 0, sections*c*4)
	for i, t := range s.tensors() {
		if t == nil || t.NumElements() != c || len(t.Data()) < c {
			return fmt.Errorf("params: section %d does not hold %d values", i, c)
		}
		for _, v := range t.Data()[:c] {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("params: write: %w", err)
	}
	return nil
}
