package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// newExecutors wires one executor per registered kind. Engines are opaque
// external commands (LibreOffice for document conversion, Tesseract for
// OCR); the core only hands them an input path and collects the output
// reference.
func newExecutors(cfg WorkersConfig, kinds []KindSpec) map[string]Executor {
	execs := make(map[string]Executor, len(kinds))
	for _, spec := range kinds {
		if spec.OCR {
			execs[spec.Name] = ocrExecutor(cfg, spec)
		} else {
			execs[spec.Name] = convertExecutor(cfg, spec)
		}
	}
	return execs
}

func convertExecutor(cfg WorkersConfig, spec KindSpec) Executor {
	// LibreOffice names the output after the input file, so each job gets
	// its own scratch directory and the result is renamed to the job ID.
	format := strings.TrimPrefix(spec.OutputExt, ".")
	return func(ctx context.Context, job *Job, report func(int, string)) (*Result, error) {
		report(10, "starting conversion")
		workDir := filepath.Join(cfg.OutputDir, job.ID)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output dir: %w", err)
		}

		cmd := exec.CommandContext(ctx, cfg.ConvertCommand,
			"--headless", "--convert-to", format, "--outdir", workDir,
			job.Payload.InputPath)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		report(30, "converting")
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s failed: %v | %s",
				cfg.ConvertCommand, err, strings.TrimSpace(out.String()))
		}

		report(90, "collecting output")
		base := strings.TrimSuffix(filepath.Base(job.Payload.InputPath), filepath.Ext(job.Payload.InputPath))
		produced := filepath.Join(workDir, base+spec.OutputExt)
		final := filepath.Join(cfg.OutputDir, job.ID+spec.OutputExt)
		if err := os.Rename(produced, final); err != nil {
			return nil, fmt.Errorf("conversion produced no output: %w", err)
		}
		_ = os.Remove(workDir)

		info, err := os.Stat(final)
		if err != nil {
			return nil, err
		}
		return &Result{OutputPath: final, SizeBytes: info.Size()}, nil
	}
}

func ocrExecutor(cfg WorkersConfig, spec KindSpec) Executor {
	return func(ctx context.Context, job *Job, report func(int, string)) (*Result, error) {
		report(10, "starting OCR")
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output dir: %w", err)
		}
		outBase := filepath.Join(cfg.OutputDir, job.ID)

		var args []string
		args = append(args, job.Payload.InputPath, outBase)
		if lang := job.Payload.Options["lang"]; lang != "" {
			args = append(args, "-l", lang)
		}
		cmd := exec.CommandContext(ctx, cfg.OCRCommand, args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		report(40, "recognizing")
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s failed: %v | %s",
				cfg.OCRCommand, err, strings.TrimSpace(out.String()))
		}

		report(90, "collecting output")
		final := outBase + spec.OutputExt
		info, err := os.Stat(final)
		if err != nil {
			return nil, fmt.Errorf("OCR produced no output: %w", err)
		}
		return &Result{OutputPath: final, SizeBytes: info.Size()}, nil
	}
}
