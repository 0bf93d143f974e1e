package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/vm"
)

// YAMLFormatter formats summaries as YAML.
type YAMLFormatter struct{}

// FormatSummary formats a run summary as a YAML document.
func (f *YAMLFormatter) FormatSummary(s *vm.Summary) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary to YAML: %w", err)
	}

	return string(data), nil
}
