package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Request types carried in the run request envelope.
const (
	RequestTypeTileSet    = "tile_set"
	RequestTypeImageLayer = "image_layer"
	RequestTypeGeneric    = "generic"
)

// RunRequest is the JSON document the engine delivers on the guest's
// stdin. Exactly one of the type-specific payloads is populated,
// selected by RequestType.
type RunRequest struct {
	RequestType      string `json:"request_type"`
	RequestGUID      string `json:"request_guid"`
	ScriptName       string `json:"script_name"`
	ScriptParameters string `json:"script_parameters"`

	// tile_set payload
	SourceTileSet  *TileSet    `json:"source_tile_set,omitempty"`
	TilesToProcess []TileIndex `json:"tiles_to_process,omitempty"`

	// image_layer payload
	SourceImageLayer *ImageLayer       `json:"source_image_layer,omitempty"`
	PreparedImages   map[string]string `json:"prepared_images,omitempty"`
}

// TileIndex addresses one tile by grid position.
type TileIndex struct {
	Column int `json:"column"`
	Row    int `json:"row"`
}

// StagePosition is a physical stage coordinate in micrometers.
type StagePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a pixel extent.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PixelOffset is a sub-pixel displacement.
type PixelOffset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PixelToStageMatrix is the affine part of the pixel-to-stage transform.
// Translation comes from the owning tile set's or layer's stage position.
type PixelToStageMatrix struct {
	M00 float64 `json:"m00"`
	M01 float64 `json:"m01"`
	M10 float64 `json:"m10"`
	M11 float64 `json:"m11"`
}

// Overlaps describes the fractional overlap between adjacent tiles.
type Overlaps struct {
	Column float64 `json:"column"`
	Row    float64 `json:"row"`
}

// ChannelInfo describes one acquisition channel. Lookups into tile
// image_file_names use the string form of Index.
type ChannelInfo struct {
	Index      string `json:"index"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	ExposureMS float64 `json:"exposure_ms"`
}

// Tile is one grid cell of a tile set. ImageFileNames maps string
// channel indices ("0", "1", ...) to file names under the tile set's
// data folder.
type Tile struct {
	Column                int               `json:"column"`
	Row                   int               `json:"row"`
	StagePosition         StagePosition     `json:"stage_position"`
	TileCenterPixelOffset PixelOffset       `json:"tile_center_pixel_offset"`
	ImageFileNames        map[string]string `json:"image_file_names"`
}

// TileSet is the tiled-acquisition payload of a tile_set request.
type TileSet struct {
	GUID               string             `json:"guid"`
	Name               string             `json:"name"`
	DataFolderPath     string             `json:"data_folder_path"`
	ColumnCount        int                `json:"column_count"`
	RowCount           int                `json:"row_count"`
	ChannelCount       int                `json:"channel_count"`
	TileSize           Size               `json:"tile_size"`
	TileResolution     float64            `json:"tile_resolution"`
	PixelFormat        string             `json:"pixel_format"`
	StagePosition      StagePosition      `json:"stage_position"`
	Rotation           float64            `json:"rotation"`
	PixelToStageMatrix PixelToStageMatrix `json:"pixel_to_stage_matrix"`
	Overlaps           Overlaps           `json:"overlaps"`
	Channels           []ChannelInfo      `json:"channels"`
	Tiles              []Tile             `json:"tiles"`
}

// ImageLayer is the stitched-image payload of an image_layer request.
type ImageLayer struct {
	GUID                 string             `json:"guid"`
	Name                 string             `json:"name"`
	StagePosition        StagePosition      `json:"stage_position"`
	Rotation             float64            `json:"rotation"`
	DataFolderPath       string             `json:"data_folder_path"`
	Size                 Size               `json:"size"`
	TotalLayerResolution float64            `json:"total_layer_resolution"`
	PixelToStageMatrix   PixelToStageMatrix `json:"pixel_to_stage_matrix"`
	OriginalTileSet      *TileSet           `json:"original_tile_set,omitempty"`
}

// Tile returns the tile at the given grid position, or nil.
func (ts *TileSet) Tile(column, row int) *Tile {
	for i := range ts.Tiles {
		if ts.Tiles[i].Column == column && ts.Tiles[i].Row == row {
			return &ts.Tiles[i]
		}
	}
	return nil
}

// Channel returns the channel with the given string index, or nil.
func (ts *TileSet) Channel(index string) *ChannelInfo {
	for i := range ts.Channels {
		if ts.Channels[i].Index == index {
			return &ts.Channels[i]
		}
	}
	return nil
}

// Validate checks the envelope invariants: a known request type and the
// matching payload present.
func (r *RunRequest) Validate() error {
	switch r.RequestType {
	case RequestTypeTileSet:
		if r.SourceTileSet == nil {
			return fmt.Errorf("tile_set request missing source_tile_set")
		}
	case RequestTypeImageLayer:
		if r.SourceImageLayer == nil {
			return fmt.Errorf("image_layer request missing source_image_layer")
		}
	case RequestTypeGeneric:
		// no payload required
	default:
		return fmt.Errorf("unknown request_type: %q", r.RequestType)
	}
	return nil
}

// ParseRequest reads the single-line run request from r and returns the
// parsed request plus a buffered reader positioned after it. Guests must
// reuse the returned reader for confirmation replies; reading stdin
// directly afterwards would lose buffered bytes.
func ParseRequest(r io.Reader) (*RunRequest, *bufio.Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	line, err := br.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, nil, fmt.Errorf("failed to read run request: %w", err)
	}

	var req RunRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, nil, fmt.Errorf("failed to parse run request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	return &req, br, nil
}
