package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellvista/scriptbox/pkg/sandbox"
)

func sampleTileSet() *sandbox.TileSet {
	return &sandbox.TileSet{
		GUID:           "ts-1",
		Name:           "scan-04",
		DataFolderPath: "/input/scan-04",
		ColumnCount:    2,
		RowCount:       2,
		ChannelCount:   1,
		TileSize:       sandbox.Size{Width: 512, Height: 512},
		TileResolution: 0.65,
		PixelFormat:    "Gray16",
		PixelToStageMatrix: sandbox.PixelToStageMatrix{
			M00: 0.65, M01: 0, M10: 0, M11: 0.65,
		},
		Overlaps: sandbox.Overlaps{Column: 0.1, Row: 0.1},
		Channels: []sandbox.ChannelInfo{{Index: "0", Name: "DAPI", Color: "#0000FF", ExposureMS: 12}},
		Tiles: []sandbox.Tile{
			{Column: 0, Row: 0, ImageFileNames: map[string]string{"0": "t_0_0.tif"}},
			{Column: 1, Row: 1, ImageFileNames: map[string]string{"0": "t_1_1.tif"}},
		},
	}
}

func TestBuildRunRequest_typeInference(t *testing.T) {
	tests := []struct {
		name     string
		opts     BuildOptions
		expected string
	}{
		{
			name:     "tile set source",
			opts:     BuildOptions{ScriptName: "seg.py", SourceTileSet: sampleTileSet()},
			expected: sandbox.RequestTypeTileSet,
		},
		{
			name: "explicit image layer",
			opts: BuildOptions{
				ScriptName:       "measure.py",
				SourceImageLayer: &sandbox.ImageLayer{GUID: "il-1", Name: "overview"},
			},
			expected: sandbox.RequestTypeImageLayer,
		},
		{
			name: "single prepared image implies image layer",
			opts: BuildOptions{
				ScriptName:     "measure.py",
				PreparedImages: map[string]string{"0": "/input/overview.png"},
			},
			expected: sandbox.RequestTypeImageLayer,
		},
		{
			name: "multiple prepared images stay generic",
			opts: BuildOptions{
				ScriptName: "stats.py",
				PreparedImages: map[string]string{
					"0": "/input/a.png",
					"1": "/input/b.png",
				},
			},
			expected: sandbox.RequestTypeGeneric,
		},
		{
			name:     "nothing attached is generic",
			opts:     BuildOptions{ScriptName: "hello.py"},
			expected: sandbox.RequestTypeGeneric,
		},
		{
			name: "tile set wins over prepared image",
			opts: BuildOptions{
				ScriptName:     "seg.py",
				SourceTileSet:  sampleTileSet(),
				PreparedImages: map[string]string{"0": "/input/x.png"},
			},
			expected: sandbox.RequestTypeTileSet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildRunRequest(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, req.RequestType)
			assert.NotEmpty(t, req.RequestGUID)
		})
	}
}

func TestBuildRunRequest_synthesizesImageLayer(t *testing.T) {
	req, err := BuildRunRequest(BuildOptions{
		ScriptName:     "measure.py",
		PreparedImages: map[string]string{"0": "/input/overview.png"},
	})
	require.NoError(t, err)
	require.NotNil(t, req.SourceImageLayer)
	assert.NotEmpty(t, req.SourceImageLayer.GUID)
	assert.Equal(t, "0", req.SourceImageLayer.Name)
	assert.Equal(t, "/input", req.SourceImageLayer.DataFolderPath)
}

func TestBuildRunRequest_parametersVerbatim(t *testing.T) {
	params := `{"threshold": 0.5, "notes": "raw \n text"}`
	req, err := BuildRunRequest(BuildOptions{ScriptName: "seg.py", ScriptParameters: params})
	require.NoError(t, err)
	assert.Equal(t, params, req.ScriptParameters)
}

// The guest module must read back exactly what the engine wrote.
func TestEncodeRequest_guestRoundTrip(t *testing.T) {
	built, err := BuildRunRequest(BuildOptions{
		ScriptName:       "seg.py",
		ScriptParameters: "k=3",
		SourceTileSet:    sampleTileSet(),
		TilesToProcess:   []sandbox.TileIndex{{Column: 0, Row: 0}, {Column: 1, Row: 1}},
	})
	require.NoError(t, err)

	line, err := EncodeRequest(built)
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n", "request must be a single line")

	parsed, _, err := sandbox.ParseRequest(bytes.NewReader(append(line, '\n')))
	require.NoError(t, err)

	assert.Equal(t, built.RequestType, parsed.RequestType)
	assert.Equal(t, built.RequestGUID, parsed.RequestGUID)
	assert.Equal(t, built.ScriptName, parsed.ScriptName)
	assert.Equal(t, built.ScriptParameters, parsed.ScriptParameters)
	require.NotNil(t, parsed.SourceTileSet)
	assert.Equal(t, built.SourceTileSet.GUID, parsed.SourceTileSet.GUID)
	assert.Equal(t, built.SourceTileSet.Channels, parsed.SourceTileSet.Channels)
	assert.Equal(t, built.SourceTileSet.Tiles, parsed.SourceTileSet.Tiles)
	assert.Equal(t, built.TilesToProcess, parsed.TilesToProcess)

	tile := parsed.SourceTileSet.Tile(1, 1)
	require.NotNil(t, tile)
	assert.Equal(t, "t_1_1.tif", tile.ImageFileNames["0"])
}
