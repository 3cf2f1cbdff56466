// Package protocol implements the engine side of the guest wire
// contract: building the stdin run request and parsing sentinel markers
// off guest stdout.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cellvista/scriptbox/internal/runner"
	"github.com/cellvista/scriptbox/pkg/sandbox"
)

// GuestLog is one log_* marker emitted by the guest.
type GuestLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Operation is one structured marker with its raw arguments and the
// guid the engine assigned to the resulting entity.
type Operation struct {
	Name       string          `json:"name"`
	Confirm    bool            `json:"confirm"`
	Args       json.RawMessage `json:"args"`
	ResultGUID string          `json:"result_guid,omitempty"`
}

// Collector consumes guest stdout line by line, separating free text
// from sentinel markers and answering confirmation-requested operations.
// It is safe for use from the runner's supervision goroutine while the
// job manager reads accumulated state after the run.
type Collector struct {
	mu sync.Mutex

	logger *logrus.Entry

	failureReported bool
	failureMessage  string
	progress        float64

	logs  []GuestLog
	ops   []Operation
	notes []string

	// named output tile sets get stable guids across repeated
	// get_or_create calls
	tileSets map[string]string

	plain strings.Builder
}

// NewCollector creates a collector for one job.
func NewCollector(jobID string) *Collector {
	return &Collector{
		logger:   logging.Log.WithField("job_id", jobID),
		tileSets: map[string]string{},
	}
}

// Handler adapts the collector to the runner's line callback.
func (c *Collector) Handler() runner.LineHandler {
	return c.HandleLine
}

// HandleLine processes one stdout line. The return value, when non-nil,
// is the confirmation reply owed to the guest.
func (c *Collector) HandleLine(line string) []byte {
	if !strings.HasPrefix(line, sandbox.Sentinel+" ") {
		c.mu.Lock()
		c.plain.WriteString(line)
		c.plain.WriteByte('\n')
		c.mu.Unlock()
		return nil
	}

	parts := strings.SplitN(line, " ", 3)
	name := parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	switch name {
	case sandbox.MarkerLogInfo:
		c.addLog("info", payload)
		c.logger.Info("guest: " + payload)
	case sandbox.MarkerLogWarning:
		c.addLog("warning", payload)
		c.logger.Warn("guest: " + payload)
	case sandbox.MarkerLogError:
		c.addLog("error", payload)
		c.logger.Error("guest: " + payload)
	case sandbox.MarkerReportProgress:
		c.setProgress(payload)
	case sandbox.MarkerReportFailure:
		c.setFailure(payload)
	default:
		return c.handleOperation(name, payload)
	}
	return nil
}

func (c *Collector) addLog(level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, GuestLog{Level: level, Message: message})
}

func (c *Collector) setProgress(payload string) {
	percent, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		c.logger.WithField("payload", payload).Warn("Ignoring malformed progress marker")
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = percent
}

func (c *Collector) setFailure(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// the first report wins; later ones usually describe fallout
	if !c.failureReported {
		c.failureReported = true
		c.failureMessage = message
	}
}

type opEnvelope struct {
	Confirm bool            `json:"confirm"`
	Args    json.RawMessage `json:"args"`
}

// handleOperation records a structured marker, applies its side effect,
// and builds the confirmation reply when one was requested.
func (c *Collector) handleOperation(name, payload string) []byte {
	var env opEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.WithError(err).WithField("marker", name).Warn("Malformed operation payload")
		// reply unconditionally: a guest with a broken envelope most
		// likely still blocks for an answer
		return c.reply(sandbox.Confirmation{
			IsSuccess:    false,
			ErrorMessage: fmt.Sprintf("malformed %s payload: %v", name, err),
		})
	}

	guid, err := c.applyOperation(name, env.Args)
	op := Operation{Name: name, Confirm: env.Confirm, Args: env.Args, ResultGUID: guid}

	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()

	if !env.Confirm {
		return nil
	}
	if err != nil {
		return c.reply(sandbox.Confirmation{IsSuccess: false, ErrorMessage: err.Error()})
	}
	return c.reply(sandbox.Confirmation{IsSuccess: true, ResultGUID: guid})
}

// applyOperation performs the engine-side effect of a structured marker
// and returns the guid of the touched entity.
func (c *Collector) applyOperation(name string, args json.RawMessage) (string, error) {
	switch name {
	case sandbox.MarkerCreateTileSet, sandbox.MarkerGetOrCreateOutputTileSet:
		var tsArgs sandbox.TileSetArgs
		if err := json.Unmarshal(args, &tsArgs); err != nil {
			return "", fmt.Errorf("invalid tile set args: %w", err)
		}
		if tsArgs.Name == "" {
			return "", fmt.Errorf("tile set name is required")
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if guid, ok := c.tileSets[tsArgs.Name]; ok {
			if name == sandbox.MarkerCreateTileSet {
				return "", fmt.Errorf("tile set %q already exists", tsArgs.Name)
			}
			return guid, nil
		}
		guid := uuid.New().String()
		c.tileSets[tsArgs.Name] = guid
		return guid, nil

	case sandbox.MarkerCreateChannel:
		var chArgs sandbox.ChannelArgs
		if err := json.Unmarshal(args, &chArgs); err != nil {
			return "", fmt.Errorf("invalid channel args: %w", err)
		}
		c.mu.Lock()
		_, known := c.tileSets[chArgs.TileSetName]
		c.mu.Unlock()
		if !known {
			return "", fmt.Errorf("unknown tile set %q", chArgs.TileSetName)
		}
		return uuid.New().String(), nil

	case sandbox.MarkerSendSingleTileOutput:
		var tileArgs sandbox.SingleTileOutputArgs
		if err := json.Unmarshal(args, &tileArgs); err != nil {
			return "", fmt.Errorf("invalid tile output args: %w", err)
		}
		c.mu.Lock()
		_, known := c.tileSets[tileArgs.TileSetName]
		c.mu.Unlock()
		if !known {
			return "", fmt.Errorf("unknown tile set %q", tileArgs.TileSetName)
		}
		return uuid.New().String(), nil

	case sandbox.MarkerCreateImageLayer:
		var layerArgs sandbox.ImageLayerArgs
		if err := json.Unmarshal(args, &layerArgs); err != nil {
			return "", fmt.Errorf("invalid image layer args: %w", err)
		}
		if layerArgs.FilePath == "" {
			return "", fmt.Errorf("image layer file path is required")
		}
		return uuid.New().String(), nil

	case sandbox.MarkerCreateAnnotation:
		var annArgs sandbox.AnnotationArgs
		if err := json.Unmarshal(args, &annArgs); err != nil {
			return "", fmt.Errorf("invalid annotation args: %w", err)
		}
		if len(annArgs.Vertices) == 0 {
			return "", fmt.Errorf("annotation needs at least one vertex")
		}
		return uuid.New().String(), nil

	case sandbox.MarkerStoreFile:
		var fileArgs sandbox.StoreFileArgs
		if err := json.Unmarshal(args, &fileArgs); err != nil {
			return "", fmt.Errorf("invalid store file args: %w", err)
		}
		if fileArgs.FilePath == "" {
			return "", fmt.Errorf("store file path is required")
		}
		return uuid.New().String(), nil

	case sandbox.MarkerAppendNotes:
		var notesArgs sandbox.NotesArgs
		if err := json.Unmarshal(args, &notesArgs); err != nil {
			return "", fmt.Errorf("invalid notes args: %w", err)
		}
		c.mu.Lock()
		c.notes = append(c.notes, notesArgs.Text)
		c.mu.Unlock()
		return "", nil

	default:
		return "", fmt.Errorf("unknown operation %q", name)
	}
}

func (c *Collector) reply(conf sandbox.Confirmation) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode confirmation")
		return []byte(`{"is_success":false,"error_message":"internal encoding error"}`)
	}
	return data
}

// FailureReported returns whether the guest declared a fatal error, and
// its message.
func (c *Collector) FailureReported() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureReported, c.failureMessage
}

// Progress returns the last reported completion percentage.
func (c *Collector) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Logs returns the guest's log markers in emission order.
func (c *Collector) Logs() []GuestLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GuestLog, len(c.logs))
	copy(out, c.logs)
	return out
}

// Operations returns the structured markers in emission order.
func (c *Collector) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.ops))
	copy(out, c.ops)
	return out
}

// Notes returns the accumulated run notes joined by newlines.
func (c *Collector) Notes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.notes, "\n")
}

// PlainOutput returns guest stdout with all marker lines removed.
func (c *Collector) PlainOutput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plain.String()
}
