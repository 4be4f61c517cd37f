package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tietjen/generate-linux-templates/pkg/batch"
	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/preflight"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// YAMLFormatter formats results as YAML.
type YAMLFormatter struct{}

func marshalYAML(v any, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}

// FormatImages outputs the catalog as a mapping keyed by image key, the same
// shape the catalog file uses.
func (f *YAMLFormatter) FormatImages(images []catalog.Image) (string, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, img := range images {
		var value yaml.Node
		if err := value.Encode(img); err != nil {
			return "", fmt.Errorf("failed to marshal image %s to YAML: %w", img.Key, err)
		}
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: img.Key},
			&value)
	}
	return marshalYAML(doc, "images")
}

func (f *YAMLFormatter) FormatChecks(checks []preflight.CheckResult) (string, error) {
	return marshalYAML(checks, "checks")
}

func (f *YAMLFormatter) FormatReport(report *batch.Report) (string, error) {
	return marshalYAML(reportDocument(report), "report")
}

func (f *YAMLFormatter) FormatAttempts(attempts []*provision.Attempt) (string, error) {
	return marshalYAML(attempts, "attempts")
}
