package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const machineYAML = `
name: virtual
x_stage: {min_val: 0, max_val: 50000, step: 2000}
y_stage: {min_val: 0, max_val: 50000, step: 2000}
z_stage: {min_val: 0, max_val: 60000, step: 10}
lasers:
  green: {min_val: 0, max_val: 500}
camera: {min_val: 0.001, max_val: 5}
filters:
  green: [0.6, 1.0, 2.0]
flowcells:
  A:
    pump:
      volume: {min_val: 1, max_val: 2000}
      flow_rate: {min_val: 100, max_val: 10000}
    valve: {valid_list: [1, 2, 3, 4]}
    temperature: {min_val: 4, max_val: 90}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadHardwareNormalizesFlowCells(t *testing.T) {
	hw, err := LoadHardware(writeFile(t, "machine.yaml", machineYAML))
	require.NoError(t, err)

	fc, err := hw.FlowCell(types.FlowCell("a"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, fc.Valve.ValidList)
	assert.Equal(t, 10000.0, fc.Pump.FlowRate.Max)
	assert.Equal(t, 2000, hw.XStage.Step)
	assert.Equal(t, []types.ActorID{"A"}, hw.FlowCellIDs())

	_, err = hw.FlowCell("Z")
	assert.Error(t, err)
}

func TestBoundsAndValve(t *testing.T) {
	b := Bounds{Min: 1, Max: 10}
	assert.NoError(t, b.Check("volume", 1))
	assert.NoError(t, b.Check("volume", 10))
	assert.ErrorContains(t, b.Check("volume", 11), "between 1 and 10")

	v := ValveBounds{ValidList: []int{1, 3}}
	assert.NoError(t, v.Check(3))
	assert.Error(t, v.Check(2))
}

func TestLoadExperimentTOML(t *testing.T) {
	path := writeFile(t, "exp.toml", `
[experiment]
name = "demo"
protocol_path = "protocol.yaml"

[image]
nz = 5
[image.optics]
exposure = 0.1

[pump]
flow_rate = 4000
pause = 0.5

[reagents]
water = 1
buffer = { port = 2, flow_rate = 2000 }
`)
	exp, err := LoadExperiment(path)
	require.NoError(t, err)
	assert.Equal(t, 5, exp.Image.NZ)
	assert.Equal(t, 0.1, exp.Image.Optics.Exposure)
	assert.Equal(t, 4000.0, exp.Pump.FlowRate)
	assert.Contains(t, exp.Pump.Extra, "pause")
	assert.Equal(t, "full once", exp.Focus.Routine)
	assert.Equal(t, ".", exp.Experiment.FocusPath)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "protocol.yaml"), exp.Path(exp.Experiment.ProtocolPath))
	assert.Len(t, exp.Reagents, 2)
}

func TestOpticsMergeAndValidate(t *testing.T) {
	hw, err := LoadHardware(writeFile(t, "machine.yaml", machineYAML))
	require.NoError(t, err)

	base := Optics{LaserPower: map[string]float64{"green": 100}, Exposure: 0.5}
	merged := base.Merge(Optics{LaserPower: map[string]float64{"green": 200}})
	assert.Equal(t, 200.0, merged.LaserPower["green"])
	assert.Equal(t, 0.5, merged.Exposure)
	assert.Equal(t, 100.0, base.LaserPower["green"])
	assert.NoError(t, merged.Validate(hw))

	assert.Error(t, Optics{LaserPower: map[string]float64{"green": 900}}.Validate(hw))
	assert.Error(t, Optics{LaserPower: map[string]float64{"red": 1}}.Validate(hw))
	assert.Error(t, Optics{Filter: map[string]float64{"green": 3}}.Validate(hw))
	assert.Error(t, Optics{Exposure: 10}.Validate(hw))
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{"a": 1, "n": map[string]interface{}{"x": 1, "y": 2}}
	src := map[string]interface{}{"b": 2, "n": map[string]interface{}{"y": 3}}
	out := DeepMerge(src, dst)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2, "n": map[string]interface{}{"x": 1, "y": 3}}, out)
}
