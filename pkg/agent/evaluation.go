package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/llm"
	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/orchestrator"
)

// EvaluationCapabilities are advertised at registration.
var EvaluationCapabilities = []string{
	models.CapNWBValidation,
	models.CapReportGeneration,
	models.CapValidationSummary,
}

const summarySystemMessage = "You summarize NWB file validation results for researchers. " +
	"At most 150 words. No markdown."

// Inspector runs best-practice checks against an NWB file. The production
// implementation shells out to the inspection tool; tests substitute
// fakes.
type Inspector interface {
	Inspect(ctx context.Context, nwbPath string) ([]models.ValidationIssue, error)
}

// CommandInspector runs an external inspection command that prints a JSON
// array of issues on stdout.
type CommandInspector struct {
	Cmd string
}

// Inspect implements Inspector.
func (c *CommandInspector) Inspect(ctx context.Context, nwbPath string) ([]models.ValidationIssue, error) {
	cmd := exec.CommandContext(ctx, c.Cmd, "--json", nwbPath)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("inspection tool failed: %w", err)
	}

	var issues []models.ValidationIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("decode inspection output: %w", err)
	}
	return issues, nil
}

// EvaluationAgent validates the produced NWB file, scores it, writes the
// report, and completes the session.
type EvaluationAgent struct {
	cfg       *config.AgentConfig
	orch      *OrchestratorClient
	inspector Inspector
	llm       llm.Caller
	logger    *slog.Logger
}

// NewEvaluationAgent wires the agent from its dependencies. inspector may
// be nil when no inspection tool is configured; validation then reports
// only the metadata scores.
func NewEvaluationAgent(cfg *config.AgentConfig, orch *OrchestratorClient, inspector Inspector, caller llm.Caller, logger *slog.Logger) *EvaluationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationAgent{cfg: cfg, orch: orch, inspector: inspector, llm: caller, logger: logger}
}

// RegisterTasks adds the agent's tasks to the runtime dispatch table.
func (a *EvaluationAgent) RegisterTasks(rt *Runtime) {
	rt.RegisterTask(models.TaskValidateNWB, a.validateNWB)
}

func (a *EvaluationAgent) validateNWB(ctx context.Context, sessionID string, _ map[string]any) (map[string]any, error) {
	sc, err := a.orch.GetContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	if sc.OutputNWBPath == "" {
		return nil, &models.AgentError{Code: "missing_context",
			Message: "Validation requires output_nwb_path in the session context."}
	}
	if _, err := os.Stat(sc.OutputNWBPath); err != nil {
		return nil, &models.AgentError{Code: "validation_unreadable",
			Message: fmt.Sprintf("The NWB file %q cannot be read: %v. Retry the conversion via clarify.", sc.OutputNWBPath, err)}
	}

	var issues []models.ValidationIssue
	if a.inspector != nil {
		issues, err = a.inspector.Inspect(ctx, sc.OutputNWBPath)
		if err != nil {
			return nil, &models.AgentError{Code: "validation_unreadable",
				Message: fmt.Sprintf("The NWB file could not be inspected: %v. Retry the conversion via clarify.", err)}
		}
	}

	result := buildValidationResult(issues, sc.Metadata)
	result.Summary = a.summarize(ctx, result)

	reportPath := filepath.Join(a.cfg.OutputDir, sessionID+"_validation_report.json")
	result.ReportPath = reportPath
	if err := writeReport(reportPath, result); err != nil {
		return nil, fmt.Errorf("write validation report: %w", err)
	}

	a.logger.Info("Validation finished",
		"session_id", sessionID, "status", result.Status,
		"issues", len(result.Issues), "report", reportPath)

	stage := models.StageCompleted
	patch := orchestrator.ContextPatch{
		WorkflowStage:     &stage,
		ValidationResults: result,
		OutputReportPath:  &reportPath,
	}
	if err := a.orch.PatchContext(ctx, sessionID, patch); err != nil {
		return nil, fmt.Errorf("patch context: %w", err)
	}

	return map[string]any{
		"overall_status": result.Status,
		"report_path":    reportPath,
	}, nil
}

// buildValidationResult derives the verdict and both quality scores from
// the issue list and the session metadata.
func buildValidationResult(issues []models.ValidationIssue, md *models.ExtractedMetadata) *models.ValidationResult {
	counts := map[models.Severity]int{
		models.SeverityCritical: 0,
		models.SeverityWarning:  0,
		models.SeverityInfo:     0,
	}
	for _, issue := range issues {
		counts[issue.Severity]++
	}

	status := models.ValidationPassed
	switch {
	case counts[models.SeverityCritical] > 0:
		status = models.ValidationFailed
	case counts[models.SeverityWarning] > 0:
		status = models.ValidationPassedWithWarnings
	}

	return &models.ValidationResult{
		Status:               status,
		IssueCounts:          counts,
		Issues:               issues,
		MetadataCompleteness: metadataCompleteness(md),
		BestPractices:        bestPracticesScore(counts),
	}
}

// metadataCompleteness is the fraction of metadata fields with a value.
func metadataCompleteness(md *models.ExtractedMetadata) float64 {
	if md == nil {
		return 0
	}
	fields := models.MetadataFields()
	filled := 0
	for _, f := range fields {
		if md.Field(f) != "" {
			filled++
		}
	}
	return float64(filled) / float64(len(fields))
}

// bestPracticesScore starts at 1.0 and deducts per issue by severity,
// floored at zero.
func bestPracticesScore(counts map[models.Severity]int) float64 {
	score := 1.0 -
		0.10*float64(counts[models.SeverityCritical]) -
		0.05*float64(counts[models.SeverityWarning]) -
		0.01*float64(counts[models.SeverityInfo])
	if score < 0 {
		return 0
	}
	return score
}

// summarize asks the LLM for the human-readable summary. A static
// fallback keeps validation completing when the LLM is unreachable.
func (a *EvaluationAgent) summarize(ctx context.Context, result *models.ValidationResult) string {
	prompt := fmt.Sprintf(
		"An NWB file was validated.\nOverall status: %s\nCritical issues: %d\nWarnings: %d\nInfo: %d\n"+
			"Metadata completeness: %.0f%%\nBest practices score: %.0f%%\n\n"+
			"Summarize the result for the researcher who produced the file.",
		result.Status,
		result.IssueCounts[models.SeverityCritical],
		result.IssueCounts[models.SeverityWarning],
		result.IssueCounts[models.SeverityInfo],
		result.MetadataCompleteness*100,
		result.BestPractices*100)

	msg, err := a.llm.Generate(ctx, prompt, summarySystemMessage)
	if err != nil || strings.TrimSpace(msg) == "" {
		a.logger.Warn("Could not generate validation summary", "error", err)
		return fmt.Sprintf("Validation %s with %d critical issues and %d warnings.",
			result.Status,
			result.IssueCounts[models.SeverityCritical],
			result.IssueCounts[models.SeverityWarning])
	}
	return strings.TrimSpace(msg)
}

func writeReport(path string, result *models.ValidationResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
