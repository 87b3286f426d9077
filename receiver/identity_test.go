package receiver

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMeasurementIdentifier tests the identity fingerprint properties
func TestMeasurementIdentifier(t *testing.T) {
	meta := map[string]interface{}{
		"node": "n1",
		"port": "p1",
	}

	// fields are hashed in ascending name order regardless of how the
	// caller ordered them
	want := sha256.Sum256([]byte("n1" + "p1"))
	assert.Equal(t, hex.EncodeToString(want[:]), MeasurementIdentifier([]string{"node", "port"}, meta))
	assert.Equal(t, hex.EncodeToString(want[:]), MeasurementIdentifier([]string{"port", "node"}, meta))
}

// TestMeasurementIdentifier_OptionalFieldsIgnored tests that fields outside
// the required set never change the identity
func TestMeasurementIdentifier_OptionalFieldsIgnored(t *testing.T) {
	bare := map[string]interface{}{
		"node": "n1",
		"port": "p1",
	}
	decorated := map[string]interface{}{
		"node":        "n1",
		"port":        "p1",
		"description": "core router uplink",
		"pop":         "chicago",
	}

	required := []string{"node", "port"}

	assert.Equal(t,
		MeasurementIdentifier(required, bare),
		MeasurementIdentifier(required, decorated))
}

// TestMeasurementIdentifier_Distinct tests that different required values
// produce different identities
func TestMeasurementIdentifier_Distinct(t *testing.T) {
	required := []string{"node", "port"}

	a := MeasurementIdentifier(required, map[string]interface{}{"node": "n1", "port": "p1"})
	b := MeasurementIdentifier(required, map[string]interface{}{"node": "n1", "port": "p2"})

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

// TestMeasurementIdentifier_NumericMeta tests that numeric meta values hash
// by their string form, whole floats without a fractional part
func TestMeasurementIdentifier_NumericMeta(t *testing.T) {
	required := []string{"node", "port"}

	fromFloat := MeasurementIdentifier(required, map[string]interface{}{"node": "n1", "port": float64(10)})
	fromString := MeasurementIdentifier(required, map[string]interface{}{"node": "n1", "port": "10"})

	assert.Equal(t, fromString, fromFloat)
}
