package events

// Event type constants published to the bus across the job/payout lifecycle.
const (
	TypeJobClaimed        = "job.claimed"
	TypeJobReleased       = "job.released"
	TypeJobExpired        = "job.expired"
	TypeJobDone           = "job.done"
	TypeSubmissionCreated = "submission.created"
	TypeVerificationPosted = "verification.posted"
	TypePayoutCreated     = "payout.created"
	TypePayoutPaid        = "payout.paid"
	TypePayoutBlocked     = "payout.blocked"
	TypeDisputeOpened     = "dispute.opened"
	TypeDisputeResolved   = "dispute.resolved"
)

const sourceCoordinator = "proofwork/coordinator"

func (eb *EventBus) EmitJobClaimed(jobID, workerID string) {
	eb.Emit(TypeJobClaimed, sourceCoordinator, jobID, map[string]interface{}{"workerId": workerID})
}

func (eb *EventBus) EmitJobDone(jobID, verdict string) {
	eb.Emit(TypeJobDone, sourceCoordinator, jobID, map[string]interface{}{"verdict": verdict})
}

func (eb *EventBus) EmitPayoutPaid(payoutID, submissionID string, netAmountCents int64) {
	eb.Emit(TypePayoutPaid, sourceCoordinator, payoutID, map[string]interface{}{
		"submissionId": submissionID, "netAmountCents": netAmountCents,
	})
}

func (eb *EventBus) EmitPayoutBlocked(payoutID, reason string) {
	eb.Emit(TypePayoutBlocked, sourceCoordinator, payoutID, map[string]interface{}{"reason": reason})
}

func (eb *EventBus) EmitDisputeOpened(disputeID, payoutID string) {
	eb.Emit(TypeDisputeOpened, sourceCoordinator, disputeID, map[string]interface{}{"payoutId": payoutID})
}

// EmitDisputeResolved scopes the event to the dispute's owning org so an
// admin stream subscribed via SubscribeTenant(orgID) sees only its own
// buyer's dispute outcomes.
func (eb *EventBus) EmitDisputeResolved(disputeID, orgID, resolution string) {
	eb.EmitForOrg(TypeDisputeResolved, sourceCoordinator, disputeID, orgID, map[string]interface{}{
		"resolution": resolution,
	})
}
