package sandbox

import (
	"strings"
	"testing"
)

func TestRunRequest_Validate(t *testing.T) {
	tests := []struct {
		name        string
		req         RunRequest
		expectError bool
	}{
		{
			name: "valid tile set request",
			req:  RunRequest{RequestType: RequestTypeTileSet, SourceTileSet: &TileSet{GUID: "ts"}},
		},
		{
			name:        "tile set request without payload",
			req:         RunRequest{RequestType: RequestTypeTileSet},
			expectError: true,
		},
		{
			name: "valid image layer request",
			req:  RunRequest{RequestType: RequestTypeImageLayer, SourceImageLayer: &ImageLayer{GUID: "il"}},
		},
		{
			name:        "image layer request without payload",
			req:         RunRequest{RequestType: RequestTypeImageLayer},
			expectError: true,
		},
		{
			name: "generic request needs no payload",
			req:  RunRequest{RequestType: RequestTypeGeneric},
		},
		{
			name:        "unknown request type",
			req:         RunRequest{RequestType: "batch"},
			expectError: true,
		},
		{
			name:        "empty request type",
			req:         RunRequest{},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.expectError && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseRequest(t *testing.T) {
	t.Run("parses snake_case fields and string channel keys", func(t *testing.T) {
		input := `{"request_type":"tile_set","request_guid":"r1","script_name":"seg.py","script_parameters":"k=3","source_tile_set":{"guid":"ts1","name":"scan","column_count":2,"row_count":1,"tile_size":{"width":512,"height":512},"overlaps":{"column":0.1,"row":0.1},"channels":[{"index":"0","name":"DAPI","color":"#0000FF","exposure_ms":12.5}],"tiles":[{"column":0,"row":0,"image_file_names":{"0":"t_0_0.tif"}}]},"tiles_to_process":[{"column":0,"row":0}]}` + "\n"

		req, br, err := ParseRequest(strings.NewReader(input + `{"is_success":true}` + "\n"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.RequestType != RequestTypeTileSet || req.RequestGUID != "r1" {
			t.Errorf("unexpected envelope: %+v", req)
		}
		if req.ScriptParameters != "k=3" {
			t.Errorf("script parameters not verbatim: %q", req.ScriptParameters)
		}

		ts := req.SourceTileSet
		if ts == nil {
			t.Fatal("expected source tile set")
		}
		ch := ts.Channel("0")
		if ch == nil || ch.Name != "DAPI" || ch.ExposureMS != 12.5 {
			t.Errorf("unexpected channel: %+v", ch)
		}
		tile := ts.Tile(0, 0)
		if tile == nil || tile.ImageFileNames["0"] != "t_0_0.tif" {
			t.Errorf("unexpected tile: %+v", tile)
		}
		if ts.Tile(5, 5) != nil {
			t.Error("expected nil for missing tile")
		}
		if ts.Channel("9") != nil {
			t.Error("expected nil for missing channel")
		}

		// the returned reader is positioned after the request line
		next, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("failed reading follow-up line: %v", err)
		}
		if !strings.Contains(next, "is_success") {
			t.Errorf("expected confirmation line next, got %q", next)
		}
	})

	t.Run("request without trailing newline still parses", func(t *testing.T) {
		req, _, err := ParseRequest(strings.NewReader(`{"request_type":"generic","request_guid":"r2"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.RequestGUID != "r2" {
			t.Errorf("unexpected request: %+v", req)
		}
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		if _, _, err := ParseRequest(strings.NewReader("{broken\n")); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("invalid request type is an error", func(t *testing.T) {
		if _, _, err := ParseRequest(strings.NewReader(`{"request_type":"weird"}` + "\n")); err == nil {
			t.Error("expected validation error")
		}
	})
}
