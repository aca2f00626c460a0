// Package decompile invokes the external reverse-engineering engine as an
// opaque subprocess and parses its structured artifact dump. The engine
// itself is out of scope; this package owns the process boundary: argument
// construction, deadline enforcement, output decoding, and the
// canonicalization rules (lowercase 0x-prefixed addresses) every artifact
// must satisfy before it enters the translation pipeline.
package decompile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/pipeline"
	"github.com/Onegaishimas/bin2nlp/types"
)

// maxOutputBytes caps how much engine stdout the runner will buffer; a
// dump larger than this is treated as an engine malfunction.
const maxOutputBytes = 256 << 20

// Config tunes the engine subprocess.
type Config struct {
	// Command is the engine executable. Args are passed before the two
	// positional arguments the runner appends: the binary path and the
	// requested depth.
	Command string
	Args    []string

	// Timeout bounds one engine invocation. The job-level deadline still
	// applies on top via ctx.
	Timeout time.Duration
}

// Runner implements jobs.Decompiler over an external command.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// NewRunner builds a Runner for cfg.Command.
func NewRunner(cfg Config, logger *zap.Logger) (*Runner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("decompile: command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger.With(zap.String("component", "decompile"))}, nil
}

// dump is the engine's wire shape. It intentionally mirrors the artifact
// set loosely: absent sections decode to empty slices rather than errors.
type dump struct {
	Functions []struct {
		Name    string `json:"name"`
		Address string `json:"address"`
		Size    int    `json:"size"`
		Code    string `json:"code"`
	} `json:"functions"`
	Imports []struct {
		Library string `json:"library"`
		Symbol  string `json:"symbol"`
	} `json:"imports"`
	Strings []struct {
		Value    string `json:"value"`
		Address  string `json:"address"`
		Encoding string `json:"encoding"`
	} `json:"strings"`
}

// Analyze runs the engine against file and returns the parsed, capped,
// canonicalized artifact set. Engine failures surface as unprocessable:
// the binary could not be decompiled, which is a property of the input,
// not of this service.
func (r *Runner) Analyze(ctx context.Context, file jobs.FileRef, cfg pipeline.Config) (llmtypes.ArtifactSet, error) {
	var empty llmtypes.ArtifactSet

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, r.cfg.Args...), file.StoragePath, string(cfg.Depth))
	cmd := exec.CommandContext(runCtx, r.cfg.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return empty, types.NewError(types.ErrTimeout, "decompilation engine exceeded its deadline")
	}
	if err != nil {
		r.logger.Warn("decompilation engine failed",
			zap.String("file", file.Filename),
			zap.Duration("elapsed", elapsed),
			zap.String("stderr", truncate(stderr.String(), 512)),
			zap.Error(err))
		return empty, types.NewError(types.ErrUnprocessable, "decompilation failed for this binary").WithCause(err)
	}
	if stdout.Len() > maxOutputBytes {
		return empty, types.NewError(types.ErrUnprocessable, "decompilation output exceeds the supported size")
	}

	var d dump
	if err := json.Unmarshal(stdout.Bytes(), &d); err != nil {
		return empty, types.NewError(types.ErrUnprocessable, "decompilation engine produced an unreadable dump").WithCause(err)
	}

	set := r.toArtifactSet(d, file, cfg)
	r.logger.Info("decompilation complete",
		zap.String("file", file.Filename),
		zap.Duration("elapsed", elapsed),
		zap.Int("functions", len(set.Functions)),
		zap.Int("imports", len(set.Imports)),
		zap.Int("strings", len(set.Strings)))
	return set, nil
}

// toArtifactSet applies the extraction toggles and caps from cfg and
// canonicalizes every address.
func (r *Runner) toArtifactSet(d dump, file jobs.FileRef, cfg pipeline.Config) llmtypes.ArtifactSet {
	set := llmtypes.ArtifactSet{
		FileInfo: llmtypes.FileInfo{
			FileHash:  file.FileHash,
			Filename:  file.Filename,
			Format:    file.Format,
			SizeBytes: file.SizeBytes,
		},
	}

	if cfg.ExtractFunctions {
		limit := len(d.Functions)
		if cfg.MaxFunctions > 0 && cfg.MaxFunctions < limit {
			limit = cfg.MaxFunctions
		}
		for _, fn := range d.Functions[:limit] {
			set.Functions = append(set.Functions, llmtypes.FunctionArtifact{
				Name:    fn.Name,
				Address: CanonicalAddress(fn.Address),
				Size:    fn.Size,
				Code:    fn.Code,
			})
		}
	}
	if cfg.ExtractImports {
		for _, imp := range d.Imports {
			set.Imports = append(set.Imports, llmtypes.ImportArtifact{
				Library: imp.Library,
				Symbol:  imp.Symbol,
			})
		}
	}
	if cfg.ExtractStrings {
		limit := len(d.Strings)
		if cfg.MaxStrings > 0 && cfg.MaxStrings < limit {
			limit = cfg.MaxStrings
		}
		for _, str := range d.Strings[:limit] {
			enc := str.Encoding
			if enc == "" {
				enc = "ascii"
			}
			set.Strings = append(set.Strings, llmtypes.StringArtifact{
				Value:    str.Value,
				Address:  CanonicalAddress(str.Address),
				Encoding: enc,
			})
		}
	}
	return set
}

// CanonicalAddress normalizes a hex address to the service's wire form:
// lowercase digits behind a 0x prefix, leading zeros dropped. Values that
// are not hex at all are not rejected: they get the same lowercasing and
// prefixing; the validation boundary for engine output is deliberately
// soft since the engine is an external collaborator.
func CanonicalAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.TrimPrefix(a, "0x")
	a = strings.TrimLeft(a, "0")
	if a == "" {
		a = "0"
	}
	return "0x" + a
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
