package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/anvil/internal/vm"
)

// JSONFormatter formats summaries as JSON.
type JSONFormatter struct{}

// FormatSummary formats a run summary as indented JSON.
func (f *JSONFormatter) FormatSummary(s *vm.Summary) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
