package topology

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SorterEngine/internal/path"
)

const twoDiverterLine = `
version: 1
exception_chute: 9
default_ttl_ms: 300
diverters:
  - {id: 1, controller: ctrl-a, command_topic: d/1/cmd, feedback_topic: d/1/fb}
  - {id: 2, controller: ctrl-a, command_topic: d/2/cmd, feedback_topic: d/2/fb}
chutes:
  - id: 1
    route:
      - {diverter: 1, direction: left}
  - id: 2
    route:
      - {diverter: 1, direction: straight}
      - {diverter: 2, direction: right, ttl_ms: 800}
  - id: 9
    route:
      - {diverter: 1, direction: straight}
      - {diverter: 2, direction: straight}
`

func TestGeneratePath(t *testing.T) {
	topo, err := Parse([]byte(twoDiverterLine))
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	topo.now = func() time.Time { return at }

	got, err := topo.GeneratePath(context.Background(), 2)
	require.NoError(t, err)

	want := path.SwitchingPath{
		TargetChuteID: 2,
		Segments: []path.Segment{
			{SequenceNumber: 1, DiverterID: 1, TargetDirection: path.Straight, TTL: 300 * time.Millisecond},
			{SequenceNumber: 2, DiverterID: 2, TargetDirection: path.Right, TTL: 800 * time.Millisecond},
		},
		FallbackChuteID: 9,
		GeneratedAt:     at,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GeneratePath(2) mismatch (-want +got):\n%s", diff)
	}
}

func TestGeneratePathUnknownChute(t *testing.T) {
	topo, err := Parse([]byte(twoDiverterLine))
	require.NoError(t, err)

	_, err = topo.GeneratePath(context.Background(), 42)
	assert.ErrorIs(t, err, path.ErrNoPath)
}

func TestGeneratePathCancelled(t *testing.T) {
	topo, err := Parse([]byte(twoDiverterLine))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = topo.GeneratePath(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequiredNodesAndListings(t *testing.T) {
	topo, err := Parse([]byte(twoDiverterLine))
	require.NoError(t, err)

	nodes, ok := topo.RequiredNodes(2)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, nodes)

	_, ok = topo.RequiredNodes(5)
	assert.False(t, ok)

	assert.Equal(t, int64(9), topo.ExceptionChute())
	assert.Equal(t, []int64{1, 2, 9}, topo.ChuteIDs())

	divs := topo.Diverters()
	require.Len(t, divs, 2)
	assert.Equal(t, int64(1), divs[0].ID)
	assert.Equal(t, "d/2/fb", divs[1].FeedbackTopic)

	d, ok := topo.Diverter(2)
	require.True(t, ok)
	assert.Equal(t, "ctrl-a", d.Controller)
}

func TestParseRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"wrong version", `
version: 2
exception_chute: 9
chutes: [{id: 9, route: [{diverter: 1, direction: left}]}]
diverters: [{id: 1}]`},
		{"missing exception chute", `
version: 1
diverters: [{id: 1}]
chutes: [{id: 1, route: [{diverter: 1, direction: left}]}]`},
		{"exception chute without route", `
version: 1
exception_chute: 9
diverters: [{id: 1}]
chutes: [{id: 1, route: [{diverter: 1, direction: left}]}]`},
		{"duplicate diverter", `
version: 1
exception_chute: 1
diverters: [{id: 1}, {id: 1}]
chutes: [{id: 1, route: [{diverter: 1, direction: left}]}]`},
		{"unknown diverter", `
version: 1
exception_chute: 1
diverters: [{id: 1}]
chutes: [{id: 1, route: [{diverter: 7, direction: left}]}]`},
		{"duplicate chute", `
version: 1
exception_chute: 1
diverters: [{id: 1}]
chutes: [{id: 1, route: [{diverter: 1, direction: left}]}, {id: 1, route: [{diverter: 1, direction: right}]}]`},
		{"empty route", `
version: 1
exception_chute: 1
diverters: [{id: 1}]
chutes: [{id: 1, route: []}]`},
		{"diverter twice on one route", `
version: 1
exception_chute: 1
diverters: [{id: 1}]
chutes: [{id: 1, route: [{diverter: 1, direction: straight}, {diverter: 1, direction: left}]}]`},
		{"bad direction", `
version: 1
exception_chute: 1
diverters: [{id: 1}]
chutes: [{id: 1, route: [{diverter: 1, direction: up}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadShippedTopology(t *testing.T) {
	topo, err := Load("../../config/topology.yaml")
	require.NoError(t, err)

	assert.Equal(t, int64(99), topo.ExceptionChute())
	for _, chute := range topo.ChuteIDs() {
		p, err := topo.GeneratePath(context.Background(), chute)
		require.NoError(t, err, "chute %d", chute)
		assert.NotEmpty(t, p.Segments)
		assert.NoError(t, p.Validate())
		assert.Equal(t, int64(99), p.FallbackChuteID)
		for _, s := range p.Segments {
			_, ok := topo.Diverter(s.DiverterID)
			assert.True(t, ok, "chute %d uses undefined diverter %d", chute, s.DiverterID)
		}
	}
}
