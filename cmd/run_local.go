package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cellvista/scriptbox/internal/config"
	"github.com/cellvista/scriptbox/internal/jobs"
)

// RunLocalCommand executes one script through the full pipeline from
// the shell: same workspace, backend, protocol and logging as a server
// submission, without the HTTP layer.
var RunLocalCommand = &cli.Command{
	Name:      "run-local",
	Usage:     "Execute a script file in the sandbox (bypasses the HTTP layer)",
	ArgsUsage: "<script.py>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "data-dir",
			Value:       "./data",
			Usage:       "Root directory for workspaces, outputs and execution logs",
			EnvVars:     []string{"SCRIPTBOX_DATA_DIR", "DATA_DIR"},
			Destination: &config.DataDir,
		},
		&cli.StringFlag{
			Name:    "image",
			Aliases: []string{"i"},
			Usage:   "Input image file to stage into the guest",
		},
		&cli.StringFlag{
			Name:  "session",
			Usage: "Session id linking related attempts",
		},
		&cli.StringFlag{
			Name:  "params",
			Usage: "Free-form script parameters passed to the guest",
		},
		&cli.IntFlag{
			Name:  "timeout",
			Usage: "Deadline in seconds (0 uses the configured default)",
		},
		&cli.BoolFlag{
			Name:  "inject-debug",
			Usage: "Opt in to diagnostic instrumentation after repeated failures",
		},
	},
	Action: runLocalAction,
}

func runLocalAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: scriptbox run-local <script.py>")
	}

	source, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.shutdown()

	req := &jobs.SubmitRequest{
		SourceCode:       string(source),
		SessionID:        ctx.String("session"),
		ScriptParameters: ctx.String("params"),
		InjectDebug:      ctx.Bool("inject-debug"),
	}

	if path := ctx.String("image"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read input image: %w", err)
		}
		req.InputImage = data
		req.InputImageName = path
	}

	if seconds := ctx.Int("timeout"); seconds > 0 {
		d := time.Duration(seconds) * time.Second
		req.Timeout = &d
	}

	result, err := engine.manager.Execute(context.Background(), req)
	if err != nil {
		return err
	}

	fmt.Printf("Job: %s\n", result.JobID)
	fmt.Printf("Session: %s\n", result.SessionID)
	fmt.Printf("Status: %s\n", result.Status)
	fmt.Println("---")
	if result.Stdout != "" {
		fmt.Println(result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintln(os.Stderr, result.Stderr)
	}
	fmt.Println("---")

	if len(result.OutputFiles) > 0 {
		fmt.Println("Outputs:")
		for _, file := range result.OutputFiles {
			fmt.Printf("  %s (%s, %d bytes)\n", file.Name, file.Type, file.Size)
		}
	}
	if result.Diagnostic != nil {
		fmt.Printf("Diagnostic mode: %s\n", result.Diagnostic.Message)
	}

	if result.Status != jobs.StatusSucceeded {
		return cli.Exit(fmt.Sprintf("Job %s: %s", result.Status, result.ErrorMessage), 1)
	}
	fmt.Println("Job completed successfully")
	return nil
}
