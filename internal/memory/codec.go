package memory

import (
	"encoding/json"
	"fmt"
)

// turnColumns is the column encoding shared by the SQL stores.
type turnColumns struct {
	Inbound  []byte
	Plan     []byte
	Steps    []byte
	Outbound []byte
	Error    []byte
}

func encodeTurn(t Turn) (turnColumns, error) {
	var (
		cols turnColumns
		err  error
	)
	if cols.Inbound, err = json.Marshal(t.Inbound); err != nil {
		return cols, fmt.Errorf("encode inbound: %w", err)
	}
	if cols.Plan, err = json.Marshal(t.Plan); err != nil {
		return cols, fmt.Errorf("encode plan: %w", err)
	}
	steps := t.Steps
	if steps == nil {
		steps = []StepResult{}
	}
	if cols.Steps, err = json.Marshal(steps); err != nil {
		return cols, fmt.Errorf("encode steps: %w", err)
	}
	if cols.Outbound, err = json.Marshal(t.Outbound); err != nil {
		return cols, fmt.Errorf("encode outbound: %w", err)
	}
	if cols.Error, err = json.Marshal(t.Error); err != nil {
		return cols, fmt.Errorf("encode error: %w", err)
	}
	return cols, nil
}

func decodeTurn(t *Turn, cols turnColumns) error {
	if err := json.Unmarshal(cols.Inbound, &t.Inbound); err != nil {
		return fmt.Errorf("decode inbound: %w", err)
	}
	if err := json.Unmarshal(cols.Plan, &t.Plan); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}
	if err := json.Unmarshal(cols.Steps, &t.Steps); err != nil {
		return fmt.Errorf("decode steps: %w", err)
	}
	if len(cols.Outbound) > 0 {
		if err := json.Unmarshal(cols.Outbound, &t.Outbound); err != nil {
			return fmt.Errorf("decode outbound: %w", err)
		}
	}
	if len(cols.Error) > 0 {
		if err := json.Unmarshal(cols.Error, &t.Error); err != nil {
			return fmt.Errorf("decode error: %w", err)
		}
	}
	return nil
}
