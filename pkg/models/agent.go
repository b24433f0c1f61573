package models

// AgentType classifies the three agent roles.
type AgentType string

const (
	AgentConversation AgentType = "conversation"
	AgentConversion   AgentType = "conversion"
	AgentEvaluation   AgentType = "evaluation"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentConversation, AgentConversion, AgentEvaluation:
		return true
	}
	return false
}

// Capability names advertised at registration.
const (
	CapSessionInitialization = "session_initialization"
	CapFormatDetection       = "format_detection"
	CapMetadataExtraction    = "metadata_extraction"
	CapDatasetValidation     = "dataset_validation"
	CapOpenEphysConversion   = "openephys_conversion"
	CapNWBGeneration         = "nwb_generation"
	CapErrorFormatting       = "error_formatting"
	CapNWBValidation         = "nwb_validation"
	CapReportGeneration      = "report_generation"
	CapValidationSummary     = "validation_summary"
)

// AgentStatusHealthy is the only status tracked in the MVP registry.
const AgentStatusHealthy = "healthy"

// AgentRecord is one entry in the orchestrator's agent directory.
type AgentRecord struct {
	Name         string    `json:"agent_name"`
	Type         AgentType `json:"agent_type"`
	BaseURL      string    `json:"base_url"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
}
