package scatter

import (
	"testing"

	"github.com/notargets/DEMCoupling/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_RejectsOutOfRange(t *testing.T) {
	_, err := Compile([]int{0, 5}, 1, 5)
	assert.ErrorIs(t, err, ErrIndexRange)
	_, err = Compile([]int{-1}, 1, 5)
	assert.ErrorIs(t, err, ErrIndexRange)
	_, err = Compile(nil, 0, 5)
	assert.Error(t, err)
}

func TestDescriptor_PackAndAccumulate(t *testing.T) {
	// three particles with two values each
	src := []float64{0, 1, 10, 11, 20, 21}
	d, err := Compile([]int{2, 0}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Count())
	assert.Equal(t, 4, d.Len())

	b, err := Pack(d, nil, src)
	require.NoError(t, err)
	got, err := comm.Decode[float64](nil, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 21, 0, 1}, got)

	dst := make([]float64, 6)
	require.NoError(t, AccumulateInto(d, dst, got))
	require.NoError(t, AccumulateInto(d, dst, got))
	assert.Equal(t, []float64{0, 2, 0, 0, 40, 42}, dst)

	assert.ErrorIs(t, AccumulateInto(d, dst, got[:2]), comm.ErrSizeMismatch)
	_, err = Pack(d, nil, src[:4])
	assert.ErrorIs(t, err, comm.ErrSizeMismatch)
}

func TestDescriptor_Release(t *testing.T) {
	d, err := Compile([]int{0}, 1, 1)
	require.NoError(t, err)
	d.Release()
	assert.True(t, d.Released())
	_, err = Pack(d, nil, []int64{1})
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, AccumulateInto(d, []int64{0}, nil), ErrReleased)
}

func TestPlan_Verify(t *testing.T) {
	p, err := NewPlan([][]int{{0, 1}, {3}}, 4, 1)
	require.NoError(t, err)
	covered, err := p.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, covered)
	assert.Equal(t, []int64{2, 1}, p.Counts())

	p, err = NewPlan([][]int{{0, 1}, {1}}, 4, 1)
	require.NoError(t, err)
	_, err = p.Verify()
	assert.ErrorIs(t, err, ErrDuplicateIndex)
}

func TestNewPlan_CopiesMaps(t *testing.T) {
	maps := [][]int{{0, 1}, {3}}
	p, err := NewPlan(maps, 4, 1)
	require.NoError(t, err)
	maps[0][1] = 3
	maps[1] = append(maps[1], 2)

	assert.Equal(t, []int{0, 1}, p.Map(0))
	assert.Equal(t, 1, p.Count(1))
	covered, err := p.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, covered)
}

func TestNewPlan_ReleasesOnFailure(t *testing.T) {
	_, err := NewPlan([][]int{{0}, {9}}, 4, 1)
	assert.ErrorIs(t, err, ErrIndexRange)
}
