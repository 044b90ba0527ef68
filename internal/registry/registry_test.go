package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHardware() *config.Hardware {
	fc := config.FlowCellHardware{
		Pump: config.PumpBounds{
			Volume:   config.Bounds{Min: 1, Max: 2000},
			FlowRate: config.Bounds{Min: 100, Max: 10000},
			Extra:    map[string]config.Bounds{"wait": {Min: 0, Max: 60}},
		},
		Valve:       config.ValveBounds{ValidList: []int{1, 2, 3, 4, 5}},
		Temperature: config.Bounds{Min: 4, Max: 90},
	}
	return &config.Hardware{
		Name:      "virtual",
		XStage:    config.StageBounds{Bounds: config.Bounds{Min: 0, Max: 50000}, Step: 2000},
		YStage:    config.StageBounds{Bounds: config.Bounds{Min: 0, Max: 50000}, Step: 2000},
		ZStage:    config.StageBounds{Bounds: config.Bounds{Min: 0, Max: 60000}, Step: 10},
		Lasers:    map[string]config.Bounds{"green": {Min: 0, Max: 500}},
		Camera:    config.Bounds{Min: 0.001, Max: 5},
		Filters:   map[string][]float64{"green": {0.6, 1, 2}},
		FlowCells: map[string]config.FlowCellHardware{"A": fc, "B": fc},
	}
}

func testExperiment() *config.Experiment {
	return &config.Experiment{
		Experiment: config.ExperimentPaths{Name: "test", ImagePath: "images", FocusPath: "focus"},
		Image:      config.ImageDefaults{NZ: 3, Optics: config.Optics{LaserPower: map[string]float64{"green": 100}, Exposure: 0.5}},
		Focus:      config.FocusDefaults{Routine: "full once"},
		Pump:       config.PumpDefaults{FlowRate: 1000},
	}
}

func TestReagentAddRejectsDuplicates(t *testing.T) {
	hw := testHardware()
	r := NewReagents(hw, util.Discard())

	water, err := NewReagent(hw, "A", "water", 1, 1000, nil)
	require.NoError(t, err)
	got, err := r.Add(water)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	dupName, err := NewReagent(hw, "A", "Water", 2, 1000, nil)
	require.NoError(t, err)
	got, err = r.Add(dupName)
	assert.ErrorIs(t, err, ErrDuplicateReagent)
	assert.Equal(t, map[string]Reagent{"water": water}, got)

	dupPort, err := NewReagent(hw, "A", "buffer", 1, 1000, nil)
	require.NoError(t, err)
	_, err = r.Add(dupPort)
	assert.ErrorIs(t, err, ErrDuplicatePort)

	// 不同流动池互不影响
	other, err := NewReagent(hw, "B", "water", 1, 1000, nil)
	require.NoError(t, err)
	_, err = r.Add(other)
	assert.NoError(t, err)
}

func TestNewReagentValidatesHardware(t *testing.T) {
	hw := testHardware()
	_, err := NewReagent(hw, "A", "water", 9, 1000, nil)
	assert.ErrorContains(t, err, "port 9")
	_, err = NewReagent(hw, "A", "water", 1, 50, nil)
	assert.ErrorContains(t, err, "flow_rate")
	_, err = NewReagent(hw, "A", "water", 1, 1000, map[string]interface{}{"wait": 90})
	assert.ErrorContains(t, err, "wait")
	_, err = NewReagent(hw, "C", "water", 1, 1000, nil)
	assert.Error(t, err)
}

func TestReagentUpdate(t *testing.T) {
	hw := testHardware()
	r := NewReagents(hw, util.Discard())
	for i, name := range []string{"water", "buffer"} {
		reagent, err := NewReagent(hw, "A", name, i+1, 1000, nil)
		require.NoError(t, err)
		_, err = r.Add(reagent)
		require.NoError(t, err)
	}

	name, port, rate := "wash", 3, 2000.0
	got, err := r.Update("A", "water", ReagentUpdate{Name: &name, Port: &port, FlowRate: &rate})
	require.NoError(t, err)
	assert.Equal(t, Reagent{FlowCell: "A", Name: "wash", Port: 3, FlowRate: 2000}, got["wash"])
	_, ok := r.Get("A", "water")
	assert.False(t, ok)

	taken := 2
	_, err = r.Update("A", "wash", ReagentUpdate{Port: &taken})
	assert.ErrorIs(t, err, ErrDuplicatePort)

	tooFast := 1e6
	_, err = r.Update("A", "wash", ReagentUpdate{FlowRate: &tooFast})
	assert.Error(t, err)
	wash, _ := r.Get("A", "WASH")
	assert.Equal(t, 2000.0, wash.FlowRate)

	_, err = r.Update("A", "missing", ReagentUpdate{})
	assert.ErrorIs(t, err, ErrUnknownReagent)

	got = r.Remove("A", "buffer")
	assert.Len(t, got, 1)
	byPort, ok := r.ByPort("A", 3)
	assert.True(t, ok)
	assert.Equal(t, "wash", byPort.Name)
}

func TestReagentLoadExperiment(t *testing.T) {
	hw := testHardware()
	dir := t.TempDir()
	file := filepath.Join(dir, "reagents.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
A:
  sds: {port: 4, flow_rate: 500}
B:
  ethanol: 4
imaging: {port: 5}
`), 0o644))

	exp := testExperiment()
	exp.Experiment.ReagentPath = file
	exp.Reagents = map[string]interface{}{
		"water":  1,
		"buffer": map[string]interface{}{"port": 2, "wait": 5},
		"bad":    map[string]interface{}{"port": 42},
	}

	r := NewReagents(hw, util.Discard())
	err := r.LoadExperiment("A", exp)
	assert.ErrorContains(t, err, "port 42")

	got := r.List("A")
	assert.Len(t, got, 4)
	assert.Equal(t, 500.0, got["sds"].FlowRate)
	assert.Equal(t, 1000.0, got["water"].FlowRate)
	assert.Equal(t, 5, got["buffer"].Extra["wait"])
	assert.Equal(t, 5, got["imaging"].Port)
	_, ok := got["ethanol"]
	assert.False(t, ok)

	r.Reset("A")
	assert.Empty(t, r.List("A"))
}

func TestStagePositionDerivedFields(t *testing.T) {
	hw := testHardware()
	nz := 4
	s, err := NewStagePosition(hw, testExperiment(), StageSpec{
		FlowCell: "a", XInit: 10000, XLast: 5000, YInit: 1000, YLast: 9000, ZInit: 20000, NZ: &nz,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActorID("A"), s.FlowCell)
	assert.Equal(t, 3, s.NX()) // ceil(5000/2000)
	assert.Equal(t, 4, s.NY())
	assert.Equal(t, 20040, s.ZLast())
	assert.Equal(t, 7500, s.XMiddle())
	assert.Equal(t, 5000, s.YMiddle())
	assert.Equal(t, -1, s.XDirection())
	assert.Equal(t, 1, s.YDirection())

	// 默认 nz 来自实验配置
	s, err = NewStagePosition(hw, testExperiment(), StageSpec{FlowCell: "A", ZInit: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, s.NZ)
	assert.Equal(t, 1, s.NX())
}

func TestStagePositionValidation(t *testing.T) {
	hw := testHardware()
	exp := testExperiment()

	_, err := NewStagePosition(hw, exp, StageSpec{FlowCell: "A", XLast: 90000})
	assert.ErrorContains(t, err, "x_last")

	huge := 10000
	_, err = NewStagePosition(hw, exp, StageSpec{FlowCell: "A", ZInit: 59000, NZ: &huge})
	assert.ErrorContains(t, err, "z_last")

	overlap := 2000.0
	_, err = NewStagePosition(hw, exp, StageSpec{FlowCell: "A", XOverlap: &overlap})
	assert.ErrorContains(t, err, "overlap")

	_, err = NewStagePosition(hw, exp, StageSpec{})
	assert.Error(t, err)
}

func TestNewROIAppliesDefaults(t *testing.T) {
	hw := testHardware()
	roi, err := NewROI(hw, testExperiment(), "roi1", ROISpec{
		Stage: StageSpec{FlowCell: "A", XLast: 4000, YLast: 4000, ZInit: 100},
		Image: ImageSpec{Optics: config.Optics{Filter: map[string]float64{"green": 1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, roi.Image.Optics.LaserPower["green"])
	assert.Equal(t, 1.0, roi.Image.Optics.Filter["green"])
	assert.Equal(t, "images", roi.Image.Output)
	assert.Equal(t, "focus", roi.Focus.Output)
	assert.Equal(t, "full once", roi.Focus.Routine)
	assert.Equal(t, -1.0, roi.Focus.ZFocus)
	assert.Equal(t, 1, roi.Expose.NExposures)

	_, err = NewROI(hw, testExperiment(), "roi2", ROISpec{
		Stage: StageSpec{FlowCell: "A"},
		Focus: FocusSpec{Routine: "sometimes"},
	})
	assert.ErrorContains(t, err, "focus routine")

	_, err = NewROI(hw, testExperiment(), "roi3", ROISpec{
		Stage: StageSpec{FlowCell: "A"},
		Image: ImageSpec{Optics: config.Optics{Filter: map[string]float64{"green": 3}}},
	})
	assert.ErrorContains(t, err, "filter")
}

func TestROIRegistry(t *testing.T) {
	hw := testHardware()
	rois := NewROIs(util.Discard())

	roi, err := NewROI(hw, testExperiment(), "roi1", ROISpec{Stage: StageSpec{FlowCell: "A"}})
	require.NoError(t, err)
	require.NoError(t, rois.Add(roi))
	assert.ErrorIs(t, rois.Add(roi), ErrDuplicateROI)
	assert.Equal(t, 1, rois.Count("A"))
	assert.Zero(t, rois.Count("B"))

	roi.Focus.ZFocus = 1234
	require.NoError(t, rois.Update(roi))
	got, ok := rois.Get("A", "roi1")
	require.True(t, ok)
	assert.Equal(t, 1234.0, got.Focus.ZFocus)

	roi.Name = "other"
	assert.ErrorIs(t, rois.Update(roi), ErrUnknownROI)

	assert.True(t, rois.Remove("A", "roi1"))
	assert.False(t, rois.Remove("A", "roi1"))
}

func TestWaitForROIs(t *testing.T) {
	hw := testHardware()
	rois := NewROIs(util.Discard())

	done := make(chan error, 1)
	go func() { done <- rois.WaitForROIs(context.Background(), "B") }()

	select {
	case <-done:
		t.Fatal("returned before any ROI was added")
	case <-time.After(30 * time.Millisecond):
	}

	roi, err := NewROI(hw, testExperiment(), "roi1", ROISpec{Stage: StageSpec{FlowCell: "B"}})
	require.NoError(t, err)
	require.NoError(t, rois.Add(roi))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForROIs never returned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rois.WaitForROIs(ctx, "A"), context.DeadlineExceeded)
}

func TestLoadROIFile(t *testing.T) {
	hw := testHardware()
	file := filepath.Join(t.TempDir(), "rois.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
A:
  tile1:
    stage: {x_init: 0, x_last: 4000, y_init: 0, y_last: 2000, z_init: 1000}
  tile2:
    stage: {x_init: 6000, x_last: 8000, z_init: 1000}
    image: {nz: 2}
loose:
  stage: {flowcell: b, z_init: 500}
`), 0o644))

	rois, err := LoadROIFile(hw, testExperiment(), file, "A")
	require.NoError(t, err)
	require.Len(t, rois, 2)
	assert.Equal(t, "tile1", rois[0].Name)
	assert.Equal(t, 2, rois[0].Stage.NX())
	assert.Equal(t, 2, rois[1].Stage.NZ)
	assert.Equal(t, 2, rois[1].Image.NZ)

	rois, err = LoadROIFile(hw, testExperiment(), file, "B")
	require.NoError(t, err)
	require.Len(t, rois, 1)
	assert.Equal(t, "loose", rois[0].Name)
}
