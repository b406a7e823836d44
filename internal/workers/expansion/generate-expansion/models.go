package generateexpansion

type Input struct {
	JobID string `json:"jobId"`
}

// Output is the job outcome published back to the process instance.
type Output = Outcome
