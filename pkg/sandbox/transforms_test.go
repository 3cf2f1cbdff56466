package sandbox

import (
	"math"
	"testing"
)

const coordEpsilon = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < coordEpsilon
}

func transformTileSet() *TileSet {
	return &TileSet{
		ColumnCount:        3,
		RowCount:           3,
		TileSize:           Size{Width: 100, Height: 100},
		Overlaps:           Overlaps{Column: 0.1, Row: 0.1},
		StagePosition:      StagePosition{X: 1000, Y: 2000},
		PixelToStageMatrix: PixelToStageMatrix{M00: 2, M01: 0, M10: 0, M11: 2},
	}
}

func TestPixelToStageMatrix_Apply(t *testing.T) {
	tests := []struct {
		name         string
		m            PixelToStageMatrix
		x, y         float64
		wantX, wantY float64
	}{
		{
			name:  "identity",
			m:     PixelToStageMatrix{M00: 1, M11: 1},
			x:     3, y: 4,
			wantX: 3, wantY: 4,
		},
		{
			name:  "uniform scale",
			m:     PixelToStageMatrix{M00: 0.65, M11: 0.65},
			x:     100, y: 200,
			wantX: 65, wantY: 130,
		},
		{
			name:  "ninety degree rotation",
			m:     PixelToStageMatrix{M00: 0, M01: -1, M10: 1, M11: 0},
			x:     1, y: 0,
			wantX: 0, wantY: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotX, gotY := tt.m.Apply(tt.x, tt.y)
			if !approxEqual(gotX, tt.wantX) || !approxEqual(gotY, tt.wantY) {
				t.Errorf("expected (%v, %v), got (%v, %v)", tt.wantX, tt.wantY, gotX, gotY)
			}
		})
	}
}

func TestCalculateTotalPixelPosition(t *testing.T) {
	ts := transformTileSet()
	// effective stride 90, mosaic extent 90*2+100 = 280, half 140

	t.Run("center tile center pixel is the mosaic origin", func(t *testing.T) {
		tile := &Tile{Column: 1, Row: 1}
		x, y := CalculateTotalPixelPosition(ts, tile, 50, 50)
		if !approxEqual(x, 0) || !approxEqual(y, 0) {
			t.Errorf("expected origin, got (%v, %v)", x, y)
		}
	})

	t.Run("top left corner of first tile", func(t *testing.T) {
		tile := &Tile{Column: 0, Row: 0}
		x, y := CalculateTotalPixelPosition(ts, tile, 0, 0)
		if !approxEqual(x, -140) || !approxEqual(y, -140) {
			t.Errorf("expected (-140, -140), got (%v, %v)", x, y)
		}
	})

	t.Run("center offset shifts the result", func(t *testing.T) {
		tile := &Tile{Column: 1, Row: 1, TileCenterPixelOffset: PixelOffset{X: 2.5, Y: -1.5}}
		x, y := CalculateTotalPixelPosition(ts, tile, 50, 50)
		if !approxEqual(x, 2.5) || !approxEqual(y, -1.5) {
			t.Errorf("expected (2.5, -1.5), got (%v, %v)", x, y)
		}
	})

	t.Run("overlap compresses the stride", func(t *testing.T) {
		left := &Tile{Column: 0, Row: 0}
		right := &Tile{Column: 1, Row: 0}
		x0, _ := CalculateTotalPixelPosition(ts, left, 0, 0)
		x1, _ := CalculateTotalPixelPosition(ts, right, 0, 0)
		if !approxEqual(x1-x0, 90) {
			t.Errorf("expected stride 90, got %v", x1-x0)
		}
	})
}

func TestTilePixelToStage(t *testing.T) {
	ts := transformTileSet()

	// mosaic origin maps straight onto the stage position
	pos := TilePixelToStage(ts, &Tile{Column: 1, Row: 1}, 50, 50)
	if !approxEqual(pos.X, 1000) || !approxEqual(pos.Y, 2000) {
		t.Errorf("expected stage position, got %+v", pos)
	}

	// one mosaic pixel is two stage units here
	pos = TilePixelToStage(ts, &Tile{Column: 1, Row: 1}, 51, 50)
	if !approxEqual(pos.X, 1002) || !approxEqual(pos.Y, 2000) {
		t.Errorf("expected x offset by 2, got %+v", pos)
	}
}

func TestImagePixelToStage(t *testing.T) {
	layer := &ImageLayer{
		Size:               Size{Width: 200, Height: 100},
		StagePosition:      StagePosition{X: -50, Y: 75},
		PixelToStageMatrix: PixelToStageMatrix{M00: 0.5, M11: 0.5},
	}

	t.Run("image center maps to the layer stage position", func(t *testing.T) {
		pos := ImagePixelToStage(layer, 100, 50)
		if !approxEqual(pos.X, -50) || !approxEqual(pos.Y, 75) {
			t.Errorf("expected layer position, got %+v", pos)
		}
	})

	t.Run("corner pixel scales from the center", func(t *testing.T) {
		pos := ImagePixelToStage(layer, 0, 0)
		if !approxEqual(pos.X, -100) || !approxEqual(pos.Y, 50) {
			t.Errorf("expected (-100, 50), got %+v", pos)
		}
	})
}
