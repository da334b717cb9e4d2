package netgate_test

import (
	"testing"

	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		snapshot      netgate.Snapshot
		allowCellular bool
		want          netgate.Verdict
	}{
		{"disconnected", netgate.Snapshot{}, true, netgate.NoConnection},
		{"roaming", netgate.Snapshot{Connected: true, Cellular: true, Roaming: true}, true, netgate.CannotUseRoaming},
		{"cellular without permission", netgate.Snapshot{Connected: true, Cellular: true}, false, netgate.TypeDisallowedByRequestor},
		{"cellular with permission", netgate.Snapshot{Connected: true, Cellular: true}, true, netgate.OK},
		{"wifi", netgate.Snapshot{Connected: true, WifiEnabled: true}, false, netgate.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, netgate.Evaluate(tt.snapshot, tt.allowCellular))
		})
	}
}

func TestEvaluateSize(t *testing.T) {
	cell := netgate.Snapshot{Connected: true, Cellular: true}
	wifi := netgate.Snapshot{Connected: true}

	assert.Equal(t, netgate.UnusableDueToSize, netgate.EvaluateSize(cell, true, 200, 100))
	assert.Equal(t, netgate.OK, netgate.EvaluateSize(cell, true, 50, 100))
	assert.Equal(t, netgate.OK, netgate.EvaluateSize(cell, true, 200, 0))
	assert.Equal(t, netgate.OK, netgate.EvaluateSize(wifi, false, 200, 100))
	assert.Equal(t, netgate.TypeDisallowedByRequestor, netgate.EvaluateSize(cell, false, 50, 100))
}

func TestMonitor(t *testing.T) {
	m := netgate.NewMonitor(netgate.Snapshot{Connected: true, WifiEnabled: true}, false, 100)

	assert.False(t, m.Update(netgate.Snapshot{Connected: true, WifiEnabled: true}))
	assert.True(t, m.Update(netgate.Snapshot{Connected: true, Cellular: true}))
	assert.False(t, m.WifiEnabled())

	assert.Equal(t, netgate.TypeDisallowedByRequestor, m.Check(-1))

	m.SetCellularAllowed(true)
	assert.True(t, m.CellularAllowed())
	assert.Equal(t, netgate.OK, m.Check(-1))
	assert.Equal(t, netgate.UnusableDueToSize, m.Check(101))
	assert.Equal(t, "unusable_due_to_size", m.Check(101).String())
}
