package httpapi

// jobEnvelope is the shared response shape spec §6 mandates for jobs/next,
// claim, and submit: a machine-readable state plus hints for what the
// worker should do next.
type jobEnvelope struct {
	State            string      `json:"state"` // claimable, claimed, verifying, done, blocked, idle
	NextSteps        []string    `json:"next_steps"`
	Constraints      interface{} `json:"constraints,omitempty"`
	SubmissionFormat interface{} `json:"submission_format,omitempty"`
	Data             interface{} `json:"data,omitempty"`
}

const submissionFormatV1 = "proof-pack-manifest-v1.0"

func idleEnvelope(reason string) jobEnvelope {
	return jobEnvelope{
		State:     "idle",
		NextSteps: []string{"poll again later"},
		Data:      map[string]string{"reason": reason},
	}
}
