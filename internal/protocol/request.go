package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cellvista/scriptbox/pkg/sandbox"
)

// BuildOptions carries everything the admission layer knows about a run
// before the request is serialized for the guest.
type BuildOptions struct {
	ScriptName       string
	ScriptParameters string

	// PreparedImages maps logical image names to guest paths under
	// /input, already materialized in the workspace.
	PreparedImages map[string]string

	SourceTileSet    *sandbox.TileSet
	TilesToProcess   []sandbox.TileIndex
	SourceImageLayer *sandbox.ImageLayer
}

// BuildRunRequest assembles the stdin request for one guest run. The
// request type is inferred from the attached data: a source tile set
// makes a tile_set request, a single prepared image makes an
// image_layer request, anything else is generic.
func BuildRunRequest(opts BuildOptions) (*sandbox.RunRequest, error) {
	req := &sandbox.RunRequest{
		RequestGUID:      uuid.New().String(),
		ScriptName:       opts.ScriptName,
		ScriptParameters: opts.ScriptParameters,
		SourceTileSet:    opts.SourceTileSet,
		TilesToProcess:   opts.TilesToProcess,
		SourceImageLayer: opts.SourceImageLayer,
		PreparedImages:   opts.PreparedImages,
	}

	switch {
	case opts.SourceTileSet != nil:
		req.RequestType = sandbox.RequestTypeTileSet
	case opts.SourceImageLayer != nil || len(opts.PreparedImages) == 1:
		req.RequestType = sandbox.RequestTypeImageLayer
		if req.SourceImageLayer == nil {
			req.SourceImageLayer = synthesizeImageLayer(opts.PreparedImages)
		}
	default:
		req.RequestType = sandbox.RequestTypeGeneric
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run request: %w", err)
	}
	return req, nil
}

// synthesizeImageLayer builds the minimal layer record for a run that
// arrived with a bare prepared image and no layer metadata.
func synthesizeImageLayer(prepared map[string]string) *sandbox.ImageLayer {
	name := ""
	for key := range prepared {
		name = key
	}
	return &sandbox.ImageLayer{
		GUID:           uuid.New().String(),
		Name:           name,
		DataFolderPath: "/input",
	}
}

// EncodeRequest serializes the request as the single stdin line the
// guest expects.
func EncodeRequest(req *sandbox.RunRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run request: %w", err)
	}
	return data, nil
}
