package sandbox

// Coordinate transforms between pixel space and stage space.
//
// A tile set's mosaic pixel space has its origin at the center of the
// tile grid; a tile's pixel space has its origin at the tile's top-left
// corner. Stage coordinates come from applying the affine
// pixel_to_stage_matrix to mosaic pixels and adding the owner's stage
// position.

// Apply multiplies the matrix with a pixel vector.
func (m PixelToStageMatrix) Apply(x, y float64) (float64, float64) {
	return m.M00*x + m.M01*y, m.M10*x + m.M11*y
}

// CalculateTotalPixelPosition converts a pixel inside one tile to mosaic
// pixel coordinates, accounting for tile overlap and the tile's center
// offset. The mosaic origin is the center of the full grid.
func CalculateTotalPixelPosition(ts *TileSet, tile *Tile, px, py float64) (float64, float64) {
	effW := float64(ts.TileSize.Width) * (1 - ts.Overlaps.Column)
	effH := float64(ts.TileSize.Height) * (1 - ts.Overlaps.Row)

	totalW := effW*float64(ts.ColumnCount-1) + float64(ts.TileSize.Width)
	totalH := effH*float64(ts.RowCount-1) + float64(ts.TileSize.Height)

	x := float64(tile.Column)*effW + px + tile.TileCenterPixelOffset.X - totalW/2
	y := float64(tile.Row)*effH + py + tile.TileCenterPixelOffset.Y - totalH/2
	return x, y
}

// TilePixelToStage converts a pixel inside one tile to a stage position.
func TilePixelToStage(ts *TileSet, tile *Tile, px, py float64) StagePosition {
	tx, ty := CalculateTotalPixelPosition(ts, tile, px, py)
	sx, sy := ts.PixelToStageMatrix.Apply(tx, ty)
	return StagePosition{
		X: sx + ts.StagePosition.X,
		Y: sy + ts.StagePosition.Y,
	}
}

// ImagePixelToStage converts a pixel in a stitched image layer to a
// stage position. The layer's pixel origin is the image center.
func ImagePixelToStage(layer *ImageLayer, px, py float64) StagePosition {
	cx := px - float64(layer.Size.Width)/2
	cy := py - float64(layer.Size.Height)/2
	sx, sy := layer.PixelToStageMatrix.Apply(cx, cy)
	return StagePosition{
		X: sx + layer.StagePosition.X,
		Y: sy + layer.StagePosition.Y,
	}
}
