package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/autospawn/api/v1alpha1"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatResource formats a single resource as JSON.
func (f *JSONFormatter) FormatResource(res v1alpha1.ManagedResource) (string, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal resource to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// FormatResourceList formats a list of resources as a JSON array.
func (f *JSONFormatter) FormatResourceList(resources []v1alpha1.ManagedResource) (string, error) {
	if len(resources) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(resources, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal resources to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
