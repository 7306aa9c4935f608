package unet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
)

func TestCastVarsHalf(t *testing.T) {
	cfg := Config{Channels: 1, Classes: 2, Bilinear: true}

	src := nn.NewVarStore(gotch.CPU)
	NewUNet(src.Root(), cfg)
	path := filepath.Join(t.TempDir(), "unet.ot")
	require.NoError(t, src.Save(path))

	vs := nn.NewVarStore(gotch.CPU)
	m := NewUNet(vs.Root(), cfg)
	castVars(vs, gotch.Half)

	for name, x := range vs.Vars.NamedVariables {
		assert.Equal(t, gotch.Half, x.DType(), name)
	}
	// layers see the converted weights
	assert.Equal(t, gotch.Half, m.OutC.Ws.DType())

	// single precision weights are copied into the half variables
	require.NoError(t, vs.Load(path))
	for name, x := range vs.Vars.NamedVariables {
		assert.Equal(t, gotch.Half, x.DType(), name)
	}
}
