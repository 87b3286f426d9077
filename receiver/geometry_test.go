package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeGeometry_Dimensions tests the 1-D/3-D split and the packing of
// well-known intervals
func TestComputeGeometry_Dimensions(t *testing.T) {
	tests := []struct {
		name     string
		interval int64
		wantDims int
		wantX    int64
		wantY    int64
		wantZ    int64
	}{
		{
			name:     "TenMinutesIsFlat",
			interval: 600,
			wantDims: 1,
			wantX:    12,
		},
		{
			name:     "OneHourIsFlat",
			interval: 3600,
			wantDims: 1,
			wantX:    2,
		},
		{
			name:     "OneMinutePacksThreeWays",
			interval: 60,
			wantDims: 3,
			wantX:    8,
			wantY:    3,
			wantZ:    5,
		},
		{
			name:     "OneSecondPacksThreeWays",
			interval: 1,
			wantDims: 3,
			wantX:    32,
			wantY:    9,
			wantZ:    25,
		},
		{
			name:     "FiveMinutesSplitsAMultiplicity",
			interval: 300,
			wantDims: 3,
			wantX:    2,
			wantY:    4,
			wantZ:    3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ComputeGeometry(1000000, tt.interval)
			require.NoError(t, err)

			assert.Equal(t, tt.wantDims, g.Dimensions)
			assert.Equal(t, tt.wantX, g.SizeX)
			if tt.wantDims == 3 {
				assert.Equal(t, tt.wantY, g.SizeY)
				assert.Equal(t, tt.wantZ, g.SizeZ)
				assert.Equal(t, BaseDocSize/tt.interval, g.SizeX*g.SizeY*g.SizeZ)
			}
		})
	}
}

// TestComputeGeometry_Rejections tests intervals that cannot be stored
func TestComputeGeometry_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		interval int64
	}{
		{name: "NotADivisor", interval: 7},
		{name: "Zero", interval: 0},
		{name: "Negative", interval: -60},
		// 7200/450 = 16 = 2^4, which cannot split into three factors
		{name: "Unpackable", interval: 450},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeGeometry(1000000, tt.interval)
			assert.Error(t, err)
		})
	}
}

// TestComputeGeometry_RoundTrip verifies for every packable interval that
// cell indices stay in bounds and invert back to the aligned timestamp
func TestComputeGeometry_RoundTrip(t *testing.T) {
	var intervals []int64
	for i := int64(1); i <= BaseDocSize; i++ {
		if BaseDocSize%i == 0 {
			intervals = append(intervals, i)
		}
	}
	require.NotEmpty(t, intervals)

	times := []int64{0, 59, 1000000, 999960, 86399, 86400, 7199, 7200}

	for _, interval := range intervals {
		for _, timestamp := range times {
			g, err := ComputeGeometry(timestamp, interval)
			if err != nil {
				// a handful of sub-600 intervals don't pack into three
				// factors and are rejected, which is fine
				continue
			}

			aligned := (timestamp / interval) * interval

			assert.Equal(t, (aligned/BaseDocSize)*BaseDocSize, g.Start)
			assert.Equal(t, g.Start+BaseDocSize, g.End)

			if g.Dimensions == 1 {
				assert.GreaterOrEqual(t, g.IndexX, int64(0))
				assert.Less(t, g.IndexX, g.SizeX)
				assert.Equal(t, aligned, g.Start+g.IndexX*interval)
			} else {
				assert.GreaterOrEqual(t, g.IndexX, int64(0))
				assert.Less(t, g.IndexX, g.SizeX)
				assert.GreaterOrEqual(t, g.IndexY, int64(0))
				assert.Less(t, g.IndexY, g.SizeY)
				assert.GreaterOrEqual(t, g.IndexZ, int64(0))
				assert.Less(t, g.IndexZ, g.SizeZ)

				flat := g.IndexX*g.SizeY*g.SizeZ + g.IndexY*g.SizeZ + g.IndexZ
				assert.Equal(t, aligned, g.Start+flat*interval)
			}
		}
	}
}

// TestCellPath tests the dotted update paths for both layouts
func TestCellPath(t *testing.T) {
	flat := BucketGeometry{Dimensions: 1, IndexX: 3}
	assert.Equal(t, "values.in.3", flat.CellPath("in"))

	packed := BucketGeometry{Dimensions: 3, IndexX: 7, IndexY: 0, IndexZ: 1}
	assert.Equal(t, "values.in.7.0.1", packed.CellPath("in"))
}

// TestEmptyArray tests the null-filled array shapes
func TestEmptyArray(t *testing.T) {
	flat := BucketGeometry{Dimensions: 1, SizeX: 12}
	array, ok := flat.EmptyArray().([]interface{})
	require.True(t, ok)
	assert.Len(t, array, 12)
	assert.Nil(t, array[0])

	packed := BucketGeometry{Dimensions: 3, SizeX: 8, SizeY: 3, SizeZ: 5}
	outer, ok := packed.EmptyArray().([]interface{})
	require.True(t, ok)
	require.Len(t, outer, 8)

	middle, ok := outer[0].([]interface{})
	require.True(t, ok)
	require.Len(t, middle, 3)

	inner, ok := middle[0].([]interface{})
	require.True(t, ok)
	require.Len(t, inner, 5)
	assert.Nil(t, inner[4])
}

// TestPrimeFactorPack_Product verifies the packing multiplies back to the
// cell count for every interval the receiver accepts
func TestPrimeFactorPack_Product(t *testing.T) {
	for interval := int64(1); interval < 600; interval++ {
		if BaseDocSize%interval != 0 {
			continue
		}

		size := BaseDocSize / interval
		factors, err := primeFactorPack(size)
		if err != nil {
			continue
		}

		assert.Equal(t, size, factors[0]*factors[1]*factors[2], "interval %d", interval)
	}
}
