package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/llm"
	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/orchestrator"
)

// ConversionCapabilities are advertised at registration.
var ConversionCapabilities = []string{
	models.CapOpenEphysConversion,
	models.CapNWBGeneration,
	models.CapErrorFormatting,
}

const explainSystemMessage = "You explain neuroscience data-conversion failures to researchers. " +
	"Be specific and actionable. At most 200 words. No markdown."

// ConvertRequest is one conversion job for a Converter.
type ConvertRequest struct {
	DatasetPath string
	OutputPath  string
	Metadata    *models.ExtractedMetadata
}

// ConvertOutput is what a successful conversion reports back.
type ConvertOutput struct {
	Warnings []string
	Log      string
}

// Converter turns an OpenEphys recording into an NWB file. The production
// implementation shells out to the conversion tool; tests substitute
// fakes.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (*ConvertOutput, error)
}

// CommandConverter runs an external conversion command with the dataset
// path, output path, and a metadata JSON file as arguments. Lossless
// compression is the tool's default and is not negotiated here.
type CommandConverter struct {
	Cmd string
}

// Convert implements Converter.
func (c *CommandConverter) Convert(ctx context.Context, req ConvertRequest) (*ConvertOutput, error) {
	metaFile, err := writeMetadataFile(req.OutputPath, req.Metadata)
	if err != nil {
		return nil, err
	}
	defer os.Remove(metaFile)

	cmd := exec.CommandContext(ctx, c.Cmd,
		"--input", req.DatasetPath,
		"--output", req.OutputPath,
		"--metadata", metaFile,
	)
	out, err := cmd.CombinedOutput()
	log := string(out)
	if err != nil {
		return nil, &ConversionToolError{Log: log, Err: err}
	}
	return &ConvertOutput{Warnings: extractWarnings(log), Log: log}, nil
}

// ConversionToolError carries the tool's full output alongside the exec
// failure.
type ConversionToolError struct {
	Log string
	Err error
}

func (e *ConversionToolError) Error() string {
	return fmt.Sprintf("conversion tool failed: %v", e.Err)
}

func (e *ConversionToolError) Unwrap() error { return e.Err }

func writeMetadataFile(outputPath string, md *models.ExtractedMetadata) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(outputPath), "metadata.*.json")
	if err != nil {
		return "", fmt.Errorf("write metadata file: %w", err)
	}
	enc, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := f.Write(enc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write metadata file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write metadata file: %w", err)
	}
	return f.Name(), nil
}

// extractWarnings picks warning lines out of the tool log.
func extractWarnings(log string) []string {
	var warnings []string
	for _, line := range strings.Split(log, "\n") {
		if strings.Contains(strings.ToLower(line), "warning") {
			warnings = append(warnings, strings.TrimSpace(line))
		}
	}
	return warnings
}

// ConversionAgent converts the recording to NWB and hands off to
// evaluation, or turns a failure into an actionable clarification.
type ConversionAgent struct {
	cfg       *config.AgentConfig
	orch      *OrchestratorClient
	converter Converter
	llm       llm.Caller
	logger    *slog.Logger
}

// NewConversionAgent wires the agent from its dependencies. converter may
// be nil when no conversion tool is configured; the task then fails with
// converter_unavailable.
func NewConversionAgent(cfg *config.AgentConfig, orch *OrchestratorClient, converter Converter, caller llm.Caller, logger *slog.Logger) *ConversionAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversionAgent{cfg: cfg, orch: orch, converter: converter, llm: caller, logger: logger}
}

// RegisterTasks adds the agent's tasks to the runtime dispatch table.
func (a *ConversionAgent) RegisterTasks(rt *Runtime) {
	rt.RegisterTask(models.TaskConvertToNWB, a.convertToNWB)
}

func (a *ConversionAgent) convertToNWB(ctx context.Context, sessionID string, _ map[string]any) (map[string]any, error) {
	if a.converter == nil {
		return nil, &models.AgentError{Code: "converter_unavailable",
			Message: "No conversion tool is configured on the conversion agent. Set NWBFLOW_CONVERTER_CMD and restart the agent."}
	}

	sc, err := a.orch.GetContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	if sc.DatasetInfo == nil || sc.Metadata == nil {
		return nil, &models.AgentError{Code: "missing_context",
			Message: "Conversion requires dataset_info and metadata in the session context."}
	}

	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	outputPath := filepath.Join(a.cfg.OutputDir, sessionID+".nwb")

	md := prepareMetadata(sc.Metadata)
	start := time.Now()
	out, convErr := a.converter.Convert(ctx, ConvertRequest{
		DatasetPath: sc.DatasetInfo.Path,
		OutputPath:  outputPath,
		Metadata:    md,
	})
	duration := time.Since(start).Seconds()

	if convErr != nil {
		return nil, a.reportFailure(ctx, sessionID, convErr, duration)
	}

	a.logger.Info("Conversion finished",
		"session_id", sessionID, "output", outputPath,
		"duration_s", duration, "warnings", len(out.Warnings))

	result := &models.ConversionResult{
		Status:          models.ConversionSuccess,
		OutputPath:      outputPath,
		DurationSeconds: duration,
		Warnings:        out.Warnings,
		Log:             out.Log,
	}
	patch := orchestrator.ContextPatch{
		ConversionResults: result,
		OutputNWBPath:     &outputPath,
	}
	if err := a.orch.PatchContext(ctx, sessionID, patch); err != nil {
		return nil, fmt.Errorf("patch context: %w", err)
	}

	if err := a.orch.RequestHandoff(ctx, sessionID,
		DefaultAgentName(models.AgentEvaluation), models.TaskValidateNWB, nil); err != nil {
		return nil, fmt.Errorf("handoff to evaluation: %w", err)
	}

	return map[string]any{
		"output_nwb_path":  outputPath,
		"duration_seconds": duration,
	}, nil
}

// reportFailure records the full technical error in the context and turns
// it into a user-facing clarification prompt.
func (a *ConversionAgent) reportFailure(ctx context.Context, sessionID string, convErr error, duration float64) error {
	toolLog := ""
	var toolErr *ConversionToolError
	if errors.As(convErr, &toolErr) {
		toolLog = toolErr.Log
	}
	a.logger.Error("Conversion failed", "session_id", sessionID, "error", convErr)

	userMsg := a.explainFailure(ctx, convErr, toolLog)

	result := &models.ConversionResult{
		Status:          models.ConversionFailed,
		DurationSeconds: duration,
		Errors:          []string{convErr.Error()},
		Log:             toolLog,
		UserMessage:     userMsg,
	}
	patch := orchestrator.ContextPatch{ConversionResults: result}
	if err := a.orch.PatchContext(ctx, sessionID, patch); err != nil {
		a.logger.Error("Cannot record conversion failure", "session_id", sessionID, "error", err)
	}

	return &models.AgentError{Code: "conversion_failed", Message: userMsg}
}

// explainFailure asks the LLM for a remediation message. Falls back to a
// generic prompt when the LLM is unreachable: the failure must surface
// either way.
func (a *ConversionAgent) explainFailure(ctx context.Context, convErr error, toolLog string) string {
	prompt := fmt.Sprintf(
		"An OpenEphys to NWB conversion failed.\nError: %v\nTool output:\n%s\n\n"+
			"Explain to the researcher what likely went wrong and what to do about it.",
		convErr, tail(toolLog, 4000))

	msg, err := a.llm.Generate(ctx, prompt, explainSystemMessage)
	if err != nil || strings.TrimSpace(msg) == "" {
		a.logger.Warn("Could not generate failure explanation", "error", err)
		return fmt.Sprintf(
			"Conversion failed: %v. Check that the dataset is a complete OpenEphys recording and retry via clarify.",
			convErr)
	}
	return strings.TrimSpace(msg)
}

// prepareMetadata fills conversion-time defaults without touching the
// stored extraction.
func prepareMetadata(md *models.ExtractedMetadata) *models.ExtractedMetadata {
	out := *md
	if out.SessionStartTime == "" {
		out.SessionStartTime = time.Now().UTC().Format(time.RFC3339)
	}
	return &out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
