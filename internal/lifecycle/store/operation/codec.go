package operation

import (
	"encoding/json"
	"fmt"

	"rollcall/internal/lifecycle/models"
)

// SQL backends keep steps and the profile draft as JSON columns.

func encodeSteps(steps []models.Step) ([]byte, error) {
	if steps == nil {
		steps = []models.Step{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	return b, nil
}

func decodeSteps(raw []byte) ([]models.Step, error) {
	var steps []models.Step
	if len(raw) == 0 {
		return steps, nil
	}
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

func encodeDraft(d *models.ProfileDraft) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	return b, nil
}

func decodeDraft(raw []byte) (*models.ProfileDraft, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var d models.ProfileDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &d, nil
}

func statusStrings(statuses []models.OperationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
