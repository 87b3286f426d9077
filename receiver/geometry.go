// Package receiver implements the TSDS ingest core: a multi-worker pipeline
// that consumes measurement and event records from RabbitMQ and folds them
// into fragmented time-series documents in MongoDB.
//
// The pipeline per delivery is:
//
//	parse → validate → identify → cache lookup → schema discovery →
//	accumulate cell updates → two-phase bulk flush
//
// Event records take a separate path into per-day event documents. Shared
// across workers are the schema registry and a single creation lock guarding
// every first-write-creates-structure path.
package receiver

import (
	"fmt"
	"sort"
)

// Document window sizes in seconds. Measurement buckets are two hours wide,
// event buckets one day.
const (
	BaseDocSize  int64 = 3600 * 2
	EventDocSize int64 = 3600 * 24
)

// oneDimensionalInterval is the interval at or above which value arrays are
// stored flat. Slower data would otherwise produce lots of tiny inner arrays.
const oneDimensionalInterval int64 = 600

// BucketGeometry describes where a single data point lands: the document
// window that owns it and the cell index inside each value array. Geometry is
// pure and deterministic so that two independent workers always place the
// same (time, interval) pair in the same cell.
type BucketGeometry struct {
	Dimensions int
	SizeX      int64
	SizeY      int64
	SizeZ      int64
	IndexX     int64
	IndexY     int64
	IndexZ     int64
	Start      int64
	End        int64
	Interval   int64
}

// ComputeGeometry maps a timestamp and collection interval to its bucket
// geometry. The interval must evenly divide BaseDocSize; intervals of ten
// minutes or slower use a flat array, faster intervals a three-dimensional
// packing derived from the prime factors of the cell count.
func ComputeGeometry(timestamp, interval int64) (BucketGeometry, error) {
	if interval <= 0 {
		return BucketGeometry{}, fmt.Errorf("interval %d is not a positive integer", interval)
	}
	if BaseDocSize%interval != 0 {
		return BucketGeometry{}, fmt.Errorf("doc size of %d not evenly divisible by data interval %d", BaseDocSize, interval)
	}

	size := BaseDocSize / interval

	g := BucketGeometry{Interval: interval}

	if interval >= oneDimensionalInterval {
		g.Dimensions = 1
		g.SizeX = size
	} else {
		factors, err := primeFactorPack(size)
		if err != nil {
			return BucketGeometry{}, err
		}
		g.Dimensions = 3
		g.SizeX, g.SizeY, g.SizeZ = factors[0], factors[1], factors[2]
	}

	// align the point onto its interval mark
	aligned := (timestamp / interval) * interval

	g.Start = (aligned / BaseDocSize) * BaseDocSize
	g.End = g.Start + BaseDocSize

	diff := (aligned - g.Start) / interval

	if g.Dimensions == 1 {
		g.IndexX = diff
	} else {
		g.IndexX = diff / (g.SizeY * g.SizeZ)
		remainder := diff - g.SizeY*g.SizeZ*g.IndexX
		g.IndexY = remainder / g.SizeZ
		g.IndexZ = remainder % g.SizeZ
	}

	return g, nil
}

// CellPath returns the dotted update path for the named value type at this
// geometry's cell, e.g. "values.in.3" or "values.in.2.1.0".
func (g BucketGeometry) CellPath(name string) string {
	if g.Dimensions == 1 {
		return fmt.Sprintf("values.%s.%d", name, g.IndexX)
	}
	return fmt.Sprintf("values.%s.%d.%d.%d", name, g.IndexX, g.IndexY, g.IndexZ)
}

// EmptyArray builds the null-filled value array for this geometry, the shape
// every value type starts out with before any cell is written.
func (g BucketGeometry) EmptyArray() interface{} {
	if g.Dimensions == 1 {
		outer := make([]interface{}, g.SizeX)
		return outer
	}

	outer := make([]interface{}, g.SizeX)
	for i := range outer {
		middle := make([]interface{}, g.SizeY)
		for j := range middle {
			middle[j] = make([]interface{}, g.SizeZ)
		}
		outer[i] = middle
	}
	return outer
}

// primeFactorPack splits size into exactly three factors for the 3-D array
// layout. The multiset of prime factors is computed in ascending order; when
// fewer than three distinct primes exist, the smallest prime with
// multiplicity two or more is emitted once as its own dimension, and each
// remaining prime is emitted raised to its remaining multiplicity. Anything
// other than exactly three output factors means the interval cannot be
// packed and the record is rejected.
func primeFactorPack(size int64) ([3]int64, error) {
	type factor struct {
		prime int64
		count int
	}

	var factors []factor

	n := size
	for d := int64(2); n > 1; d++ {
		count := 0
		for n%d == 0 {
			count++
			n /= d
		}
		if count > 0 {
			factors = append(factors, factor{prime: d, count: count})
		}
	}

	var packed []int64

	if len(factors) < 3 {
		for i := range factors {
			if factors[i].count > 1 {
				packed = append(packed, factors[i].prime)
				factors[i].count--
				break
			}
		}
	}

	for _, f := range factors {
		if f.count > 0 {
			power := int64(1)
			for i := 0; i < f.count; i++ {
				power *= f.prime
			}
			packed = append(packed, power)
		}
	}

	if len(packed) != 3 {
		return [3]int64{}, fmt.Errorf("cannot pack %d cells into 3 dimensions, factors were %v", size, packed)
	}

	return [3]int64{packed[0], packed[1], packed[2]}, nil
}

// emptyValueArrays builds the initial values structure for a new bucket
// document: one empty array per value-type name. The result is a map, so the
// order of the value fields in the encoded document is not fixed.
func emptyValueArrays(g BucketGeometry, names []string) map[string]interface{} {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	structure := make(map[string]interface{}, len(sorted))
	for _, name := range sorted {
		structure[name] = g.EmptyArray()
	}
	return structure
}
