package jobs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// OutputFile is one harvested artifact, addressed relative to the job's
// output directory.
type OutputFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Workspace is the per-job filesystem area. Code and input live under
// workspaces/<job_id>/ and are destroyed with the job; output lives
// under outputs/<job_id>/ so artifacts outlive the workspace for the
// retention window.
type Workspace struct {
	JobID     string
	Root      string
	CodeDir   string
	InputDir  string
	OutputDir string
}

// NewWorkspace materializes the three subtrees for one job.
func NewWorkspace(dataDir, jobID string) (*Workspace, error) {
	w := &Workspace{
		JobID:     jobID,
		Root:      filepath.Join(dataDir, "workspaces", jobID),
		OutputDir: filepath.Join(dataDir, "outputs", jobID),
	}
	w.CodeDir = filepath.Join(w.Root, "code")
	w.InputDir = filepath.Join(w.Root, "input")

	for _, dir := range []string{w.CodeDir, w.InputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}
	// the guest writes here as UID 1001
	if err := os.MkdirAll(w.OutputDir, 0o777); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := os.Chmod(w.OutputDir, 0o777); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteCode materializes the guest program at code/main.py.
func (w *Workspace) WriteCode(source string) error {
	return os.WriteFile(filepath.Join(w.CodeDir, "main.py"), []byte(source), 0o644)
}

// StageInput writes one input file and returns its path as the guest
// sees it.
func (w *Workspace) StageInput(name string, r io.Reader) (string, error) {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid input file name")
	}
	f, err := os.Create(filepath.Join(w.InputDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to stage input: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write input: %w", err)
	}
	return "/input/" + name, nil
}

// Harvest lists everything the guest wrote under the output directory,
// MIME-classified and ordered by path.
func (w *Workspace) Harvest() ([]OutputFile, error) {
	var files []OutputFile
	err := filepath.WalkDir(w.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.OutputDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		files = append(files, OutputFile{
			Name: rel,
			URL:  "/outputs/" + w.JobID + "/" + rel,
			Type: classifyOutput(rel),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to harvest outputs: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// DiscardOutputs deletes the output tree. Used for timed-out and
// cancelled jobs, whose partial artifacts are never served.
func (w *Workspace) DiscardOutputs() error {
	return os.RemoveAll(w.OutputDir)
}

// Remove deletes the code and input subtrees. Outputs are retained
// separately for artifact serving.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Root)
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".gif":  true,
	".svg":  true,
}

func classifyOutput(name string) string {
	if imageExtensions[strings.ToLower(filepath.Ext(name))] {
		return "image"
	}
	return "file"
}
