package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbp-orchestrator/internal/models"
)

func TestWorkItemTransitions(t *testing.T) {
	require.NoError(t, CheckWorkItem(models.StatusDraft, models.StatusScheduled))
	require.NoError(t, CheckWorkItem(models.StatusScheduled, models.StatusPublished))
	require.NoError(t, CheckWorkItem(models.StatusScheduled, models.StatusFailed))
	// Retryable failure: the item stays scheduled.
	require.NoError(t, CheckWorkItem(models.StatusScheduled, models.StatusScheduled))

	assert.ErrorIs(t, CheckWorkItem(models.StatusDraft, models.StatusPublished), ErrInvalidTransition)
	assert.ErrorIs(t, CheckWorkItem(models.StatusDraft, models.StatusFailed), ErrInvalidTransition)
	assert.ErrorIs(t, CheckWorkItem("bogus", models.StatusFailed), ErrInvalidTransition)
}

func TestWorkItemTerminality(t *testing.T) {
	for _, terminal := range []string{models.StatusPublished, models.StatusFailed} {
		assert.True(t, WorkItemTerminal(terminal))
		for _, to := range []string{models.StatusDraft, models.StatusScheduled, models.StatusPublished, models.StatusFailed} {
			assert.ErrorIs(t, CheckWorkItem(terminal, to), ErrInvalidTransition,
				"%s -> %s must be rejected", terminal, to)
		}
	}
	assert.False(t, WorkItemTerminal(models.StatusScheduled))
}

func TestCheckPublishRequiresExternalID(t *testing.T) {
	require.NoError(t, CheckPublish(models.StatusScheduled, "localPosts/123"))
	assert.ErrorIs(t, CheckPublish(models.StatusScheduled, ""), ErrMissingExternalID)
	assert.ErrorIs(t, CheckPublish(models.StatusDraft, "localPosts/123"), ErrInvalidTransition)
}

func TestPaymentTransitions(t *testing.T) {
	require.NoError(t, CheckPayment(models.PaymentPending, models.PaymentCompleted))
	require.NoError(t, CheckPayment(models.PaymentPending, models.PaymentFailed))
	require.NoError(t, CheckPayment(models.PaymentCompleted, models.PaymentRefunded))

	// Once completed, refunded is the only further legal transition.
	assert.ErrorIs(t, CheckPayment(models.PaymentCompleted, models.PaymentPending), ErrInvalidTransition)
	assert.ErrorIs(t, CheckPayment(models.PaymentCompleted, models.PaymentFailed), ErrInvalidTransition)

	// Failed and refunded are terminal.
	for _, terminal := range []string{models.PaymentFailed, models.PaymentRefunded} {
		assert.True(t, PaymentTerminal(terminal))
		for _, to := range []string{models.PaymentPending, models.PaymentCompleted, models.PaymentRefunded} {
			assert.ErrorIs(t, CheckPayment(terminal, to), ErrInvalidTransition)
		}
	}
	assert.False(t, PaymentTerminal(models.PaymentCompleted))
}
