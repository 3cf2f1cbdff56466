package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Sentinel prefixes every protocol marker line on guest stdout.
const Sentinel = "##SBX##"

// Marker names recognized by the engine.
const (
	MarkerLogInfo                  = "log_info"
	MarkerLogWarning               = "log_warning"
	MarkerLogError                 = "log_error"
	MarkerReportProgress           = "report_progress"
	MarkerReportFailure            = "report_failure"
	MarkerCreateTileSet            = "create_tile_set"
	MarkerCreateChannel            = "create_channel"
	MarkerSendSingleTileOutput     = "send_single_tile_output"
	MarkerCreateImageLayer         = "create_image_layer"
	MarkerCreateAnnotation         = "create_annotation"
	MarkerStoreFile                = "store_file"
	MarkerAppendNotes              = "append_notes"
	MarkerGetOrCreateOutputTileSet = "get_or_create_output_tile_set"
)

// Confirmation is the engine's reply to a confirm-requested marker,
// delivered as one JSON line on the guest's stdin.
type Confirmation struct {
	IsSuccess    bool   `json:"is_success"`
	ErrorMessage string `json:"error_message"`
	ResultGUID   string `json:"result_guid,omitempty"`
}

// Session is a guest's connection to the engine: the parsed run request,
// the marker channel on stdout, and the confirmation channel on stdin.
type Session struct {
	Request *RunRequest

	out io.Writer
	mu  sync.Mutex

	replies chan Confirmation
	readErr chan error

	// WaitTimeout bounds how long a confirm-requested operation blocks
	// for its reply. When it elapses (the cluster backend never replies)
	// the operation reports success.
	WaitTimeout time.Duration
}

// Open parses the run request from stdin and returns a live session.
// Call once at guest startup.
func Open() (*Session, error) {
	req, br, err := ParseRequest(os.Stdin)
	if err != nil {
		return nil, err
	}
	return NewSession(req, br, os.Stdout), nil
}

// NewSession builds a session over explicit streams. Tests and custom
// harnesses use this; guests use Open.
func NewSession(req *RunRequest, in *bufio.Reader, out io.Writer) *Session {
	s := &Session{
		Request:     req,
		out:         out,
		replies:     make(chan Confirmation, 16),
		readErr:     make(chan error, 1),
		WaitTimeout: 10 * time.Second,
	}
	go s.readReplies(in)
	return s
}

func (s *Session) readReplies(in *bufio.Reader) {
	for {
		line, err := in.ReadBytes('\n')
		if len(line) > 0 {
			var c Confirmation
			if jerr := json.Unmarshal(line, &c); jerr == nil {
				s.replies <- c
			}
		}
		if err != nil {
			s.readErr <- err
			return
		}
	}
}

func (s *Session) emitText(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s %s %s\n", Sentinel, name, text)
}

func (s *Session) emitJSON(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.out, "%s %s %s\n", Sentinel, name, data); err != nil {
		return err
	}
	return nil
}

// emitOp sends a structured marker and, when confirm is set, waits for
// the engine's reply in request order.
func (s *Session) emitOp(name string, payload interface{}, confirm bool) (*Confirmation, error) {
	wrapped := opEnvelope{Confirm: confirm, Args: payload}
	if err := s.emitJSON(name, wrapped); err != nil {
		return nil, err
	}
	if !confirm {
		return &Confirmation{IsSuccess: true}, nil
	}

	select {
	case c := <-s.replies:
		return &c, nil
	case err := <-s.readErr:
		if err == io.EOF {
			return &Confirmation{IsSuccess: true}, nil
		}
		return nil, err
	case <-time.After(s.WaitTimeout):
		return &Confirmation{IsSuccess: true}, nil
	}
}

type opEnvelope struct {
	Confirm bool        `json:"confirm"`
	Args    interface{} `json:"args"`
}

// LogInfo emits a textual diagnostic at info level.
func (s *Session) LogInfo(format string, a ...interface{}) {
	s.emitText(MarkerLogInfo, fmt.Sprintf(format, a...))
}

// LogWarning emits a textual diagnostic at warning level.
func (s *Session) LogWarning(format string, a ...interface{}) {
	s.emitText(MarkerLogWarning, fmt.Sprintf(format, a...))
}

// LogError emits a textual diagnostic at error level. It does not mark
// the run as failed; use ReportFailure for that.
func (s *Session) LogError(format string, a ...interface{}) {
	s.emitText(MarkerLogError, fmt.Sprintf(format, a...))
}

// ReportProgress reports completion percentage, clamped to [0, 100].
func (s *Session) ReportProgress(percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.emitText(MarkerReportProgress, fmt.Sprintf("%.1f", percent))
}

// ReportFailure declares a fatal error. The engine records the run as
// failed regardless of the process exit code.
func (s *Session) ReportFailure(message string) {
	s.emitText(MarkerReportFailure, message)
}

// TileSetArgs describes a new output tile set.
type TileSetArgs struct {
	Name           string   `json:"name"`
	ColumnCount    int      `json:"column_count"`
	RowCount       int      `json:"row_count"`
	TileSize       Size     `json:"tile_size"`
	TileResolution float64  `json:"tile_resolution"`
	PixelFormat    string   `json:"pixel_format"`
	Overlaps       Overlaps `json:"overlaps"`
}

// CreateTileSet registers a new output tile set and waits for the
// engine's confirmation.
func (s *Session) CreateTileSet(args TileSetArgs) (*Confirmation, error) {
	return s.emitOp(MarkerCreateTileSet, args, true)
}

// CreateTileSetAsync registers a new output tile set without waiting.
func (s *Session) CreateTileSetAsync(args TileSetArgs) error {
	_, err := s.emitOp(MarkerCreateTileSet, args, false)
	return err
}

// ChannelArgs describes a channel added to an output tile set.
type ChannelArgs struct {
	TileSetName  string `json:"tile_set_name"`
	ChannelIndex string `json:"channel_index"`
	Name         string `json:"name"`
	Color        string `json:"color"`
}

// CreateChannel adds a channel to an output tile set.
func (s *Session) CreateChannel(args ChannelArgs) (*Confirmation, error) {
	return s.emitOp(MarkerCreateChannel, args, true)
}

// CreateChannelAsync adds a channel without waiting for confirmation.
func (s *Session) CreateChannelAsync(args ChannelArgs) error {
	_, err := s.emitOp(MarkerCreateChannel, args, false)
	return err
}

// SingleTileOutputArgs references one produced tile image under /output.
type SingleTileOutputArgs struct {
	TileSetName  string `json:"tile_set_name"`
	Column       int    `json:"column"`
	Row          int    `json:"row"`
	ChannelIndex string `json:"channel_index"`
	FilePath     string `json:"file_path"`
}

// SendSingleTileOutput reports one produced tile image.
func (s *Session) SendSingleTileOutput(args SingleTileOutputArgs) (*Confirmation, error) {
	return s.emitOp(MarkerSendSingleTileOutput, args, true)
}

// SendSingleTileOutputAsync reports one produced tile image without waiting.
func (s *Session) SendSingleTileOutputAsync(args SingleTileOutputArgs) error {
	_, err := s.emitOp(MarkerSendSingleTileOutput, args, false)
	return err
}

// ImageLayerArgs describes a produced full-field image under /output.
type ImageLayerArgs struct {
	Name       string  `json:"name"`
	FilePath   string  `json:"file_path"`
	Resolution float64 `json:"resolution"`
}

// CreateImageLayer reports a produced image layer.
func (s *Session) CreateImageLayer(args ImageLayerArgs) (*Confirmation, error) {
	return s.emitOp(MarkerCreateImageLayer, args, true)
}

// CreateImageLayerAsync reports a produced image layer without waiting.
func (s *Session) CreateImageLayerAsync(args ImageLayerArgs) error {
	_, err := s.emitOp(MarkerCreateImageLayer, args, false)
	return err
}

// AnnotationArgs places a geometric annotation in stage coordinates.
type AnnotationArgs struct {
	Kind     string          `json:"kind"` // point, rect, polygon
	Label    string          `json:"label"`
	Vertices []StagePosition `json:"vertices"`
}

// CreateAnnotation reports an annotation.
func (s *Session) CreateAnnotation(args AnnotationArgs) (*Confirmation, error) {
	return s.emitOp(MarkerCreateAnnotation, args, true)
}

// CreateAnnotationAsync reports an annotation without waiting.
func (s *Session) CreateAnnotationAsync(args AnnotationArgs) error {
	_, err := s.emitOp(MarkerCreateAnnotation, args, false)
	return err
}

// StoreFileArgs registers an arbitrary produced file under /output.
type StoreFileArgs struct {
	FilePath    string `json:"file_path"`
	Description string `json:"description"`
}

// StoreFile registers an arbitrary produced file.
func (s *Session) StoreFile(args StoreFileArgs) (*Confirmation, error) {
	return s.emitOp(MarkerStoreFile, args, true)
}

// StoreFileAsync registers an arbitrary produced file without waiting.
func (s *Session) StoreFileAsync(args StoreFileArgs) error {
	_, err := s.emitOp(MarkerStoreFile, args, false)
	return err
}

// NotesArgs appends free text to the run's notes.
type NotesArgs struct {
	Text string `json:"text"`
}

// AppendNotes appends text to the run's notes.
func (s *Session) AppendNotes(text string) (*Confirmation, error) {
	return s.emitOp(MarkerAppendNotes, NotesArgs{Text: text}, true)
}

// AppendNotesAsync appends text to the run's notes without waiting.
func (s *Session) AppendNotesAsync(text string) error {
	_, err := s.emitOp(MarkerAppendNotes, NotesArgs{Text: text}, false)
	return err
}

// GetOrCreateOutputTileSet fetches or creates the named output tile set.
// Always confirmation-capable: the caller needs the resulting guid.
func (s *Session) GetOrCreateOutputTileSet(args TileSetArgs) (*Confirmation, error) {
	return s.emitOp(MarkerGetOrCreateOutputTileSet, args, true)
}
