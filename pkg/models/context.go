// Package models defines the shared data model: the session context that
// records a conversion run end to end, the message envelope agents
// exchange, and the agent directory records.
package models

import "time"

// WorkflowStage is the orchestrator-owned state of a session.
type WorkflowStage string

const (
	StageInitialized        WorkflowStage = "initialized"
	StageCollectingMetadata WorkflowStage = "collecting_metadata"
	StageConverting         WorkflowStage = "converting"
	StageEvaluating         WorkflowStage = "evaluating"
	StageCompleted          WorkflowStage = "completed"
	StageFailed             WorkflowStage = "failed"
)

// stageTransitions is the full transition relation. completed is terminal;
// failed may only be left through the clarification retry path back into
// converting.
var stageTransitions = map[WorkflowStage][]WorkflowStage{
	StageInitialized:        {StageCollectingMetadata, StageFailed},
	StageCollectingMetadata: {StageConverting, StageFailed},
	StageConverting:         {StageEvaluating, StageFailed},
	StageEvaluating:         {StageCompleted, StageFailed},
	StageFailed:             {StageConverting},
	StageCompleted:          {},
}

// stageProgress maps stages to the coarse percentage reported to clients.
var stageProgress = map[WorkflowStage]int{
	StageInitialized:        10,
	StageCollectingMetadata: 30,
	StageConverting:         60,
	StageEvaluating:         80,
	StageCompleted:          100,
	StageFailed:             0,
}

// Valid reports whether s is a known stage.
func (s WorkflowStage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// CanTransitionTo reports whether the stage pair is in the transition
// relation.
func (s WorkflowStage) CanTransitionTo(next WorkflowStage) bool {
	for _, t := range stageTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Progress returns the progress percentage shown for this stage.
func (s WorkflowStage) Progress() int {
	return stageProgress[s]
}

// ExecutionStatus is the outcome of one agent execution.
type ExecutionStatus string

const (
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionInProgress ExecutionStatus = "in_progress"
)

// AgentExecution is one entry in the append-only agent history.
type AgentExecution struct {
	AgentName    string          `json:"agent_name"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorTrace   string          `json:"error_trace,omitempty"`
}

// DatasetInfo describes a detected recording directory.
type DatasetInfo struct {
	Path               string   `json:"path"`
	Format             string   `json:"format"`
	TotalSizeBytes     int64    `json:"total_size_bytes"`
	FileCount          int      `json:"file_count"`
	ChannelCount       int      `json:"channel_count,omitempty"`
	SampleRateHz       float64  `json:"sample_rate_hz,omitempty"`
	DurationSeconds    float64  `json:"duration_seconds,omitempty"`
	HasDocumentation   bool     `json:"has_documentation"`
	DocumentationPaths []string `json:"documentation_paths,omitempty"`
}

// Confidence tags how a metadata field value was obtained.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceDefault Confidence = "default"
	ConfidenceEmpty   Confidence = "empty"
)

// Metadata field names shared between extraction, clarification overrides,
// and completeness scoring.
const (
	FieldSubjectID         = "subject_id"
	FieldSpecies           = "species"
	FieldAge               = "age"
	FieldSex               = "sex"
	FieldSessionStartTime  = "session_start_time"
	FieldExperimenter      = "experimenter"
	FieldDeviceName        = "device_name"
	FieldManufacturer      = "manufacturer"
	FieldRecordingLocation = "recording_location"
	FieldDescription       = "session_description"
)

// MetadataFields lists every extractable field, in scoring order.
func MetadataFields() []string {
	return []string{
		FieldSubjectID,
		FieldSpecies,
		FieldAge,
		FieldSex,
		FieldSessionStartTime,
		FieldExperimenter,
		FieldDeviceName,
		FieldManufacturer,
		FieldRecordingLocation,
		FieldDescription,
	}
}

// ExtractedMetadata holds the NWB metadata fields with per-field
// confidence and the raw extraction log.
type ExtractedMetadata struct {
	SubjectID         string `json:"subject_id,omitempty"`
	Species           string `json:"species,omitempty"`
	Age               string `json:"age,omitempty"`
	Sex               string `json:"sex,omitempty"`
	SessionStartTime  string `json:"session_start_time,omitempty"`
	Experimenter      string `json:"experimenter,omitempty"`
	DeviceName        string `json:"device_name,omitempty"`
	Manufacturer      string `json:"manufacturer,omitempty"`
	RecordingLocation string `json:"recording_location,omitempty"`
	Description       string `json:"session_description,omitempty"`

	Confidence    map[string]Confidence `json:"extraction_confidence,omitempty"`
	ExtractionLog string                `json:"llm_extraction_log,omitempty"`
}

// Field returns the value of the named metadata field.
func (m *ExtractedMetadata) Field(name string) string {
	switch name {
	case FieldSubjectID:
		return m.SubjectID
	case FieldSpecies:
		return m.Species
	case FieldAge:
		return m.Age
	case FieldSex:
		return m.Sex
	case FieldSessionStartTime:
		return m.SessionStartTime
	case FieldExperimenter:
		return m.Experimenter
	case FieldDeviceName:
		return m.DeviceName
	case FieldManufacturer:
		return m.Manufacturer
	case FieldRecordingLocation:
		return m.RecordingLocation
	case FieldDescription:
		return m.Description
	}
	return ""
}

// SetField sets the named field and records its confidence tag. Unknown
// names are ignored.
func (m *ExtractedMetadata) SetField(name, value string, c Confidence) {
	switch name {
	case FieldSubjectID:
		m.SubjectID = value
	case FieldSpecies:
		m.Species = value
	case FieldAge:
		m.Age = value
	case FieldSex:
		m.Sex = value
	case FieldSessionStartTime:
		m.SessionStartTime = value
	case FieldExperimenter:
		m.Experimenter = value
	case FieldDeviceName:
		m.DeviceName = value
	case FieldManufacturer:
		m.Manufacturer = value
	case FieldRecordingLocation:
		m.RecordingLocation = value
	case FieldDescription:
		m.Description = value
	default:
		return
	}
	if m.Confidence == nil {
		m.Confidence = make(map[string]Confidence)
	}
	m.Confidence[name] = c
}

// ConversionStatus is the conversion outcome.
type ConversionStatus string

const (
	ConversionSuccess ConversionStatus = "success"
	ConversionFailed  ConversionStatus = "failed"
)

// ConversionResult records a conversion attempt.
type ConversionResult struct {
	Status          ConversionStatus `json:"status"`
	OutputPath      string           `json:"output_nwb_path,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	Warnings        []string         `json:"warnings,omitempty"`
	Errors          []string         `json:"errors,omitempty"`
	Log             string           `json:"conversion_log,omitempty"`
	UserMessage     string           `json:"user_message,omitempty"`
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ValidationStatus is the overall validation verdict.
type ValidationStatus string

const (
	ValidationPassed             ValidationStatus = "passed"
	ValidationPassedWithWarnings ValidationStatus = "passed_with_warnings"
	ValidationFailed             ValidationStatus = "failed"
)

// ValidationIssue is one finding from the NWB inspection.
type ValidationIssue struct {
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Location  string   `json:"location,omitempty"`
	CheckName string   `json:"check_name,omitempty"`
}

// ValidationResult records the evaluation of a produced NWB file.
type ValidationResult struct {
	Status               ValidationStatus  `json:"status"`
	IssueCounts          map[Severity]int  `json:"issue_counts"`
	Issues               []ValidationIssue `json:"issues,omitempty"`
	MetadataCompleteness float64           `json:"metadata_completeness_score"`
	BestPractices        float64           `json:"best_practices_score"`
	ReportPath           string            `json:"report_path,omitempty"`
	Summary              string            `json:"summary,omitempty"`
}

// SessionContext is the authoritative record of one conversion run.
type SessionContext struct {
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	WorkflowStage WorkflowStage    `json:"workflow_stage"`
	CurrentAgent  string           `json:"current_agent,omitempty"`
	AgentHistory  []AgentExecution `json:"agent_history"`

	DatasetInfo       *DatasetInfo       `json:"dataset_info,omitempty"`
	Metadata          *ExtractedMetadata `json:"metadata,omitempty"`
	ConversionResults *ConversionResult  `json:"conversion_results,omitempty"`
	ValidationResults *ValidationResult  `json:"validation_results,omitempty"`

	OutputNWBPath    string `json:"output_nwb_path,omitempty"`
	OutputReportPath string `json:"output_report_path,omitempty"`

	RequiresUserClarification bool   `json:"requires_user_clarification"`
	ClarificationPrompt       string `json:"clarification_prompt,omitempty"`
}

// NewSessionContext builds a fresh context in the initialized stage.
func NewSessionContext(sessionID string) *SessionContext {
	now := time.Now().UTC()
	return &SessionContext{
		SessionID:     sessionID,
		CreatedAt:     now,
		LastUpdated:   now,
		WorkflowStage: StageInitialized,
		AgentHistory:  []AgentExecution{},
	}
}

// Touch advances last_updated, keeping it monotonically non-decreasing
// even if the wall clock steps backwards.
func (sc *SessionContext) Touch() {
	now := time.Now().UTC()
	if !now.After(sc.LastUpdated) {
		now = sc.LastUpdated.Add(time.Nanosecond)
	}
	sc.LastUpdated = now
}

// Clone returns a deep copy. Mutating the copy never affects the
// original.
func (sc *SessionContext) Clone() *SessionContext {
	out := *sc

	out.AgentHistory = make([]AgentExecution, len(sc.AgentHistory))
	copy(out.AgentHistory, sc.AgentHistory)
	for i, e := range sc.AgentHistory {
		if e.CompletedAt != nil {
			t := *e.CompletedAt
			out.AgentHistory[i].CompletedAt = &t
		}
	}

	if sc.DatasetInfo != nil {
		di := *sc.DatasetInfo
		di.DocumentationPaths = append([]string(nil), sc.DatasetInfo.DocumentationPaths...)
		out.DatasetInfo = &di
	}
	if sc.Metadata != nil {
		md := *sc.Metadata
		if sc.Metadata.Confidence != nil {
			md.Confidence = make(map[string]Confidence, len(sc.Metadata.Confidence))
			for k, v := range sc.Metadata.Confidence {
				md.Confidence[k] = v
			}
		}
		out.Metadata = &md
	}
	if sc.ConversionResults != nil {
		cr := *sc.ConversionResults
		cr.Warnings = append([]string(nil), sc.ConversionResults.Warnings...)
		cr.Errors = append([]string(nil), sc.ConversionResults.Errors...)
		out.ConversionResults = &cr
	}
	if sc.ValidationResults != nil {
		vr := *sc.ValidationResults
		vr.Issues = append([]ValidationIssue(nil), sc.ValidationResults.Issues...)
		if sc.ValidationResults.IssueCounts != nil {
			vr.IssueCounts = make(map[Severity]int, len(sc.ValidationResults.IssueCounts))
			for k, v := range sc.ValidationResults.IssueCounts {
				vr.IssueCounts[k] = v
			}
		}
		out.ValidationResults = &vr
	}
	return &out
}
