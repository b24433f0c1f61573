package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/llm"
	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/openephys"
	"github.com/nwbflow/nwbflow/pkg/orchestrator"
)

// ConversationCapabilities are advertised at registration.
var ConversationCapabilities = []string{
	models.CapSessionInitialization,
	models.CapFormatDetection,
	models.CapMetadataExtraction,
	models.CapDatasetValidation,
}

const extractionSystemMessage = "You extract NWB metadata from neuroscience lab notes. " +
	"Respond with a single JSON object and nothing else."

// ConversationAgent handles session initialization and user
// clarifications: it inspects the dataset, extracts metadata from its
// documentation, and hands the session off to conversion.
type ConversationAgent struct {
	cfg    *config.AgentConfig
	orch   *OrchestratorClient
	llm    llm.Caller
	logger *slog.Logger
}

// NewConversationAgent wires the agent from its dependencies.
func NewConversationAgent(cfg *config.AgentConfig, orch *OrchestratorClient, caller llm.Caller, logger *slog.Logger) *ConversationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationAgent{cfg: cfg, orch: orch, llm: caller, logger: logger}
}

// RegisterTasks adds the agent's tasks to the runtime dispatch table.
func (a *ConversationAgent) RegisterTasks(rt *Runtime) {
	rt.RegisterTask(models.TaskInitializeSession, a.initializeSession)
	rt.RegisterTask(models.TaskHandleClarification, a.handleClarification)
}

func (a *ConversationAgent) initializeSession(ctx context.Context, sessionID string, params map[string]any) (map[string]any, error) {
	datasetPath, _ := params["dataset_path"].(string)
	if datasetPath == "" {
		return nil, &models.AgentError{Code: "invalid_parameters", Message: "dataset_path parameter is required"}
	}

	info, err := openephys.Inspect(datasetPath)
	if err != nil {
		return nil, inspectionError(datasetPath, err)
	}
	a.logger.Info("Dataset inspected",
		"session_id", sessionID, "path", datasetPath,
		"files", info.FileCount, "channels", info.ChannelCount, "docs", len(info.DocumentationPaths))

	md, err := a.extractMetadata(ctx, info)
	if err != nil {
		return nil, err
	}

	stage := models.StageCollectingMetadata
	patch := orchestrator.ContextPatch{
		WorkflowStage: &stage,
		DatasetInfo:   info,
		Metadata:      md,
	}
	if err := a.orch.PatchContext(ctx, sessionID, patch); err != nil {
		return nil, fmt.Errorf("patch context: %w", err)
	}

	if err := a.orch.RequestHandoff(ctx, sessionID,
		DefaultAgentName(models.AgentConversion), models.TaskConvertToNWB, nil); err != nil {
		return nil, fmt.Errorf("handoff to conversion: %w", err)
	}

	return map[string]any{
		"format":     info.Format,
		"file_count": info.FileCount,
		"doc_files":  len(info.DocumentationPaths),
	}, nil
}

func (a *ConversationAgent) handleClarification(ctx context.Context, sessionID string, params map[string]any) (map[string]any, error) {
	sc, err := a.orch.GetContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}

	md := sc.Metadata
	if md == nil {
		md = &models.ExtractedMetadata{}
	}
	applied := 0
	if overrides, ok := params["updated_metadata"].(map[string]any); ok {
		for field, v := range overrides {
			value, ok := v.(string)
			if !ok {
				continue
			}
			// User-provided values outrank anything extracted.
			md.SetField(field, value, models.ConfidenceHigh)
			applied++
		}
	}

	if applied > 0 {
		patch := orchestrator.ContextPatch{Metadata: md}
		if err := a.orch.PatchContext(ctx, sessionID, patch); err != nil {
			return nil, fmt.Errorf("patch context: %w", err)
		}
	}

	if err := a.orch.RequestHandoff(ctx, sessionID,
		DefaultAgentName(models.AgentConversion), models.TaskConvertToNWB, nil); err != nil {
		return nil, fmt.Errorf("handoff to conversion: %w", err)
	}

	return map[string]any{"fields_updated": applied}, nil
}

// inspectionError converts dataset errors into user-facing failures whose
// prompts say what to fix.
func inspectionError(path string, err error) *models.AgentError {
	switch {
	case errors.Is(err, openephys.ErrInvalidPath):
		return &models.AgentError{Code: "invalid_dataset_path",
			Message: fmt.Sprintf("The path %q does not exist or is not a directory. Provide the absolute path of the recording directory.", path)}
	case errors.Is(err, openephys.ErrUnsupportedFormat):
		return &models.AgentError{Code: "unsupported_format",
			Message: fmt.Sprintf("The directory %q is not an OpenEphys recording: it contains neither a settings.xml file nor any .continuous recordings. Only the OpenEphys format is supported.", path)}
	case errors.Is(err, openephys.ErrMissingSettings):
		return &models.AgentError{Code: "missing_settings",
			Message: "The recording is missing its settings.xml file, which is required for conversion. Copy the original settings.xml into the dataset directory."}
	case errors.Is(err, openephys.ErrMissingRecordings):
		return &models.AgentError{Code: "missing_recordings",
			Message: "The directory contains a settings.xml file but no .continuous recording files. Check that the raw recordings were copied alongside the settings."}
	}
	return &models.AgentError{Code: "dataset_inspection_failed", Message: err.Error()}
}

// extractMetadata concatenates the dataset's documentation files and asks
// the LLM to fill the metadata schema. With no documentation present the
// result is empty; with unparseable LLM output every field is marked
// empty and the raw text is kept in the extraction log.
func (a *ConversationAgent) extractMetadata(ctx context.Context, info *models.DatasetInfo) (*models.ExtractedMetadata, error) {
	if len(info.DocumentationPaths) == 0 {
		md := &models.ExtractedMetadata{}
		markAllEmpty(md)
		return md, nil
	}

	var b strings.Builder
	for _, p := range info.DocumentationPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			a.logger.Warn("Skipping unreadable documentation file", "path", p, "error", err)
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", filepath.Base(p), data)
	}
	if b.Len() == 0 {
		md := &models.ExtractedMetadata{}
		markAllEmpty(md)
		return md, nil
	}

	raw, err := a.llm.Generate(ctx, extractionPrompt(b.String()), extractionSystemMessage)
	if err != nil {
		return nil, &models.AgentError{Code: "llm_call_failed",
			Message: fmt.Sprintf("Metadata extraction failed: the language model could not be reached (%v). Retry later or provide metadata via clarify.", err)}
	}

	md := parseMetadataResponse(raw)
	applyMetadataDefaults(md)
	md.ExtractionLog = raw
	return md, nil
}

func extractionPrompt(docs string) string {
	var b strings.Builder
	b.WriteString("Extract NWB metadata from the lab documentation below.\n")
	b.WriteString("Return a JSON object with exactly these keys:\n")
	for _, f := range models.MetadataFields() {
		fmt.Fprintf(&b, "  %q: {\"value\": string, \"confidence\": \"high\"|\"medium\"|\"low\"}\n", f)
	}
	b.WriteString("Use an empty value and confidence \"low\" for anything the documentation does not state.\n\n")
	b.WriteString("Documentation:\n")
	b.WriteString(docs)
	return b.String()
}

// parseMetadataResponse decodes the LLM's JSON answer, tolerating prose
// around the object.
func parseMetadataResponse(raw string) *models.ExtractedMetadata {
	md := &models.ExtractedMetadata{}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		markAllEmpty(md)
		return md
	}

	var fields map[string]struct {
		Value      string `json:"value"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		markAllEmpty(md)
		return md
	}

	for _, name := range models.MetadataFields() {
		f, ok := fields[name]
		if !ok || f.Value == "" {
			md.SetField(name, "", models.ConfidenceEmpty)
			continue
		}
		c := models.Confidence(f.Confidence)
		switch c {
		case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
		default:
			c = models.ConfidenceLow
		}
		md.SetField(name, f.Value, c)
	}
	return md
}

func markAllEmpty(md *models.ExtractedMetadata) {
	for _, name := range models.MetadataFields() {
		md.SetField(name, "", models.ConfidenceEmpty)
	}
}

// speciesDefaults maps common free-text species names to their binomial
// form. Only unambiguous cases are listed.
var speciesDefaults = map[string]string{
	"mouse": "Mus musculus",
	"mice":  "Mus musculus",
	"rat":   "Rattus norvegicus",
	"human": "Homo sapiens",
}

func applyMetadataDefaults(md *models.ExtractedMetadata) {
	if binomial, ok := speciesDefaults[strings.ToLower(strings.TrimSpace(md.Species))]; ok {
		md.SetField(models.FieldSpecies, binomial, models.ConfidenceDefault)
	}
}
