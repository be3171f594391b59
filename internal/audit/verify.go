// Package audit verifies the append-only ledger: sequence monotonicity and
// content-hash agreement with the committed results.
package audit

import (
	"context"
	"fmt"

	"github.com/chimera-sh/factory/internal/persistence"
)

// Finding is one detected ledger inconsistency.
type Finding struct {
	Sequence int64  `json:"sequence"`
	TaskID   string `json:"task_id"`
	Problem  string `json:"problem"`
}

// Report is the outcome of a ledger verification pass.
type Report struct {
	CampaignID string    `json:"campaign_id"`
	Records    int       `json:"records"`
	Findings   []Finding `json:"findings,omitempty"`
}

// OK reports whether the ledger passed.
func (r Report) OK() bool { return len(r.Findings) == 0 }

// Verifier checks campaign ledgers.
type Verifier struct {
	store *persistence.Store
}

func NewVerifier(store *persistence.Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyCampaign walks a campaign's ledger in order and cross-checks each
// record: sequences must strictly increase, every record must belong to a
// SUCCEEDED task, and the recorded content hash must match the task's
// committed result.
func (v *Verifier) VerifyCampaign(ctx context.Context, campaignID string) (Report, error) {
	records, err := v.store.ListAuditRecords(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	report := Report{CampaignID: campaignID, Records: len(records)}

	var prev int64
	for i, rec := range records {
		if i > 0 && rec.Sequence <= prev {
			report.Findings = append(report.Findings, Finding{
				Sequence: rec.Sequence,
				TaskID:   rec.TaskID,
				Problem:  fmt.Sprintf("sequence %d not after %d", rec.Sequence, prev),
			})
		}
		prev = rec.Sequence

		task, err := v.store.GetTask(ctx, rec.TaskID)
		if err != nil {
			report.Findings = append(report.Findings, Finding{
				Sequence: rec.Sequence,
				TaskID:   rec.TaskID,
				Problem:  "ledger references unknown task",
			})
			continue
		}
		if task.Status != persistence.TaskStatusSucceeded {
			report.Findings = append(report.Findings, Finding{
				Sequence: rec.Sequence,
				TaskID:   rec.TaskID,
				Problem:  fmt.Sprintf("ledger entry for non-succeeded task (%s)", task.Status),
			})
			continue
		}
		result, err := v.store.LookupResult(ctx, task.IdempotencyKey)
		if err != nil {
			return Report{}, fmt.Errorf("lookup result for %s: %w", rec.TaskID, err)
		}
		if result == nil {
			report.Findings = append(report.Findings, Finding{
				Sequence: rec.Sequence,
				TaskID:   rec.TaskID,
				Problem:  "no committed result behind ledger entry",
			})
			continue
		}
		if result.ContentHash != rec.ContentHash {
			report.Findings = append(report.Findings, Finding{
				Sequence: rec.Sequence,
				TaskID:   rec.TaskID,
				Problem:  "content hash does not match committed result",
			})
		}
	}
	return report, nil
}
