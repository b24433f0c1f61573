package orchestrator

import (
	"fmt"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// ContextPatch is the field-scoped update bag agents submit through the
// internal context endpoint. Only the listed fields may be patched; the
// orchestrator-owned fields (current agent, history, clarification flags)
// have no patch representation at all. A stage value, when present, is a
// proposal validated against the transition relation before anything is
// applied.
type ContextPatch struct {
	WorkflowStage     *models.WorkflowStage     `json:"workflow_stage,omitempty"`
	DatasetInfo       *models.DatasetInfo       `json:"dataset_info,omitempty"`
	Metadata          *models.ExtractedMetadata `json:"metadata,omitempty"`
	ConversionResults *models.ConversionResult  `json:"conversion_results,omitempty"`
	ValidationResults *models.ValidationResult  `json:"validation_results,omitempty"`
	OutputNWBPath     *string                   `json:"output_nwb_path,omitempty"`
	OutputReportPath  *string                   `json:"output_report_path,omitempty"`
}

// Empty reports whether the patch carries no changes at all.
func (p *ContextPatch) Empty() bool {
	return p.WorkflowStage == nil && p.DatasetInfo == nil && p.Metadata == nil &&
		p.ConversionResults == nil && p.ValidationResults == nil &&
		p.OutputNWBPath == nil && p.OutputReportPath == nil
}

// apply validates the patch against sc and mutates sc in place. On error
// sc is left untouched: validation runs against a scratch copy first.
func (p *ContextPatch) apply(sc *models.SessionContext) error {
	if p.Empty() {
		return fmt.Errorf("%w: patch carries no fields", ErrInvalidPatch)
	}

	scratch := sc.Clone()
	applyFields(scratch, p)

	if p.WorkflowStage != nil {
		next := *p.WorkflowStage
		if !next.Valid() {
			return fmt.Errorf("%w: unknown stage %q", ErrInvalidPatch, next)
		}
		if !scratch.WorkflowStage.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, scratch.WorkflowStage, next)
		}
		if err := checkStagePreconditions(scratch, next); err != nil {
			return err
		}
		scratch.WorkflowStage = next
		if next == models.StageCompleted {
			scratch.CurrentAgent = ""
		}
	}

	*sc = *scratch
	return nil
}

// applyFields copies the payload-scoped fields onto sc. Stage handling is
// the caller's.
func applyFields(sc *models.SessionContext, p *ContextPatch) {
	if p.DatasetInfo != nil {
		sc.DatasetInfo = p.DatasetInfo
	}
	if p.Metadata != nil {
		sc.Metadata = p.Metadata
	}
	if p.ConversionResults != nil {
		sc.ConversionResults = p.ConversionResults
	}
	if p.ValidationResults != nil {
		sc.ValidationResults = p.ValidationResults
	}
	if p.OutputNWBPath != nil {
		sc.OutputNWBPath = *p.OutputNWBPath
	}
	if p.OutputReportPath != nil {
		sc.OutputReportPath = *p.OutputReportPath
	}
}

// checkStagePreconditions enforces the data each stage requires on entry.
// sc already has the patch's payload fields applied, so a single patch may
// deliver both the data and the stage advance.
func checkStagePreconditions(sc *models.SessionContext, next models.WorkflowStage) error {
	switch next {
	case models.StageCollectingMetadata:
		if sc.DatasetInfo == nil {
			return fmt.Errorf("%w: dataset_info required before leaving initialized", ErrInvalidPatch)
		}
	case models.StageConverting:
		if sc.WorkflowStage == models.StageFailed && sc.RequiresUserClarification {
			return fmt.Errorf("%w: retry requires clarification first", ErrInvalidTransition)
		}
	case models.StageEvaluating:
		if sc.OutputNWBPath == "" {
			return fmt.Errorf("%w: output_nwb_path required before entering evaluating", ErrInvalidPatch)
		}
	case models.StageCompleted:
		if sc.ValidationResults == nil {
			return fmt.Errorf("%w: validation_results required before entering completed", ErrInvalidPatch)
		}
		if sc.OutputNWBPath == "" {
			return fmt.Errorf("%w: output_nwb_path required before entering completed", ErrInvalidPatch)
		}
	}
	return nil
}
