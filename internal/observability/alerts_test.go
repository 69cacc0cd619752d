package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

type alertSpec struct {
	Groups []alertGroup `yaml:"groups"`
}

func TestAlertRules(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "contamx.yml"))
	require.NoError(t, err)

	var spec alertSpec
	require.NoError(t, yaml.Unmarshal(data, &spec))

	expected := map[string]string{
		"SyncJobsNeedAttention": "warning",
		"SyncFailureRate":       "warning",
		"LedgerIntegrityIssue":  "critical",
		"HighErrorRate":         "critical",
	}
	seen := 0
	for _, group := range spec.Groups {
		for _, rule := range group.Rules {
			severity, ok := expected[rule.Alert]
			require.True(t, ok, "unexpected rule %q", rule.Alert)
			require.Equal(t, severity, rule.Labels["severity"], rule.Alert)
			require.NotEmpty(t, rule.Expr, rule.Alert)
			require.NotEmpty(t, rule.For, rule.Alert)
			require.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
			require.NotEmpty(t, rule.Annotations["description"], rule.Alert)
			require.NotEmpty(t, rule.Annotations["runbook"], rule.Alert)
			seen++
		}
	}
	require.Equal(t, len(expected), seen)
}
