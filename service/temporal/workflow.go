package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// TraceAddressWorkflow records the transactions touching an address since the last run.
// It is triggered by a Temporal schedule, one per address.
//
// The workflow performs these steps:
// 1. List signatures newer than the stored cursor (ListNewSignatures)
// 2. Replay them into one batch file and catalog it (RecordBatch)
// 3. Move the cursor to the newest listed signature (AdvanceCursor)
func TraceAddressWorkflow(ctx workflow.Context, input TraceAddressInput) (*TraceAddressResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TraceAddressWorkflow started", "address", input.Address)

	result := &TraceAddressResult{
		Address:   input.Address,
		TraceTime: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var listed *ListNewSignaturesResult
	err := workflow.ExecuteActivity(ctx, a.ListNewSignatures, ListNewSignaturesInput{
		Address: input.Address,
		Limit:   input.Limit,
	}).Get(ctx, &listed)
	if err != nil {
		return failed(result, "failed to list new signatures", err)
	}

	result.Cursor = listed.Cursor
	result.Signatures = len(listed.Signatures)
	if len(listed.Signatures) == 0 {
		logger.Info("no new signatures", "address", input.Address)
		return result, nil
	}

	var recorded *RecordBatchResult
	err = workflow.ExecuteActivity(ctx, a.RecordBatch, RecordBatchInput{
		Address:    input.Address,
		Signatures: listed.Signatures,
	}).Get(ctx, &recorded)
	if err != nil {
		return failed(result, "failed to record batch", err)
	}

	result.BatchNumber = recorded.BatchNumber
	result.Path = recorded.Path
	result.Transactions = recorded.Transactions
	result.Quarantined = recorded.Quarantined
	result.Skipped = recorded.Skipped

	newest := listed.Signatures[len(listed.Signatures)-1]
	err = workflow.ExecuteActivity(ctx, a.AdvanceCursor, AdvanceCursorInput{
		Address:   input.Address,
		Signature: newest,
	}).Get(ctx, nil)
	if err != nil {
		return failed(result, "failed to advance cursor", err)
	}
	result.Cursor = newest

	logger.Info("TraceAddressWorkflow completed",
		"address", input.Address,
		"batch", result.BatchNumber,
		"transactions", result.Transactions,
		"skipped", result.Skipped,
	)
	return result, nil
}

func failed(result *TraceAddressResult, msg string, err error) (*TraceAddressResult, error) {
	errMsg := fmt.Sprintf("%s: %v", msg, err)
	result.Error = &errMsg
	return result, fmt.Errorf("%s: %w", msg, err)
}
