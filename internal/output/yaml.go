package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/autospawn/api/v1alpha1"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatResource formats a single resource as YAML.
func (f *YAMLFormatter) FormatResource(res v1alpha1.ManagedResource) (string, error) {
	data, err := yaml.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("failed to marshal resource to YAML: %w", err)
	}

	return string(data), nil
}

// FormatResourceList formats a list of resources as a YAML stream
// (multiple documents separated by ---).
func (f *YAMLFormatter) FormatResourceList(resources []v1alpha1.ManagedResource) (string, error) {
	if len(resources) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	for i, res := range resources {
		data, err := yaml.Marshal(res)
		if err != nil {
			return "", fmt.Errorf("failed to marshal resource %s to YAML: %w", res.Name, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}

	return buf.String(), nil
}
