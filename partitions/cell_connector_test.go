package partitions

import (
	"testing"

	"github.com/notargets/DEMCoupling/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellConnector_Mappings(t *testing.T) {
	cc, err := NewCellConnector([]int{2, 0, 2, 1, 0, 2})
	require.NoError(t, err)
	require.NoError(t, cc.Verify())

	assert.Equal(t, 3, cc.NumPartitions)
	assert.Equal(t, []int{2, 1, 3}, cc.CellsPerPartition)
	assert.Equal(t, []int{0, 2, 5}, cc.LocalToGlobalCell[2])
	assert.Equal(t, 1, cc.LocalCell(2, 2))
	assert.Equal(t, -1, cc.LocalCell(1, 2))
	assert.Equal(t, -1, cc.LocalCell(3, 0))

	global := []float64{0, 0, 10, 10, 20, 20, 30, 30, 40, 40, 50, 50}
	local := cc.Restrict(2, global, 2)
	assert.Equal(t, []float64{0, 0, 20, 20, 50, 50}, local)

	out := make([]float64, len(global))
	for p := 0; p < cc.NumPartitions; p++ {
		cc.Expand(p, cc.Restrict(p, global, 2), out, 2)
	}
	assert.Equal(t, global, out)
}

func TestCellConnector_Errors(t *testing.T) {
	_, err := NewCellConnector(nil)
	assert.Error(t, err)
	_, err = NewCellConnector([]int{0, -1})
	assert.Error(t, err)

	cc, err := NewCellConnector([]int{0, 1, 1})
	require.NoError(t, err)
	cc.LocalToGlobalCell[1][0] = 0
	assert.Error(t, cc.Verify())
}

func TestFieldExchange_RoundTrip(t *testing.T) {
	const width = 3
	cToP := []int{0, 1, 2, 1, 0, 2, 2, 1, 0, 1}
	cc, err := NewCellConnector(cToP)
	require.NoError(t, err)

	global := make([]float64, len(cToP)*width)
	for i := range global {
		global[i] = float64(i) + 0.5
	}

	w := comm.NewLocalWorld(4)
	err = w.Run(func(c comm.Comm) error {
		fx, err := cc.NewFieldExchange(c, width, 2000)
		if err != nil {
			return err
		}
		local, err := fx.Scatter(global, nil)
		if err != nil {
			return err
		}
		if c.Rank() < cc.NumPartitions {
			assert.Equal(t, cc.Restrict(c.Rank(), global, width), local)
		} else {
			assert.Empty(t, local)
		}
		for i := range local {
			local[i] *= 2
		}
		var back []float64
		if c.IsMaster() {
			back = make([]float64, len(global))
			back[0] = 99 // overwritten
		}
		if err := fx.Gather(local, back); err != nil {
			return err
		}
		if c.IsMaster() {
			for i := range global {
				assert.Equal(t, 2*global[i], back[i])
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestFieldExchange_TooManyPartitions(t *testing.T) {
	cc, err := NewCellConnector([]int{0, 1, 2})
	require.NoError(t, err)
	w := comm.NewLocalWorld(2)
	err = w.Run(func(c comm.Comm) error {
		_, err := cc.NewFieldExchange(c, 1, 2000)
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}
