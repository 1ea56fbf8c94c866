package telemetry

import (
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const alertsPath = "../../deploy/prometheus/alerts.yml"

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertConfig struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

func loadAlerts(t *testing.T) alertConfig {
	t.Helper()
	data, err := os.ReadFile(alertsPath)
	if err != nil {
		t.Skipf("Skipping test: alerts file not found at %s", alertsPath)
	}
	var cfg alertConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Invalid YAML in alerts.yml: %v", err)
	}
	if len(cfg.Groups) == 0 {
		t.Fatal("alerts.yml has no groups")
	}
	return cfg
}

// TestAlertLabels verifies alerts have required labels.
func TestAlertLabels(t *testing.T) {
	for _, group := range loadAlerts(t).Groups {
		for _, alert := range group.Rules {
			if alert.Alert == "" {
				continue
			}
			if _, ok := alert.Labels["severity"]; !ok {
				t.Errorf("Alert '%s' missing 'severity' label", alert.Alert)
			}
			if _, ok := alert.Annotations["summary"]; !ok {
				t.Errorf("Alert '%s' missing 'summary' annotation", alert.Alert)
			}
		}
	}
}

// TestCriticalAlertsPresent verifies the alerts operators rely on exist.
func TestCriticalAlertsPresent(t *testing.T) {
	names := map[string]bool{}
	for _, group := range loadAlerts(t).Groups {
		for _, alert := range group.Rules {
			names[alert.Alert] = true
		}
	}
	for _, want := range []string{"JukeboxPlayerUnhealthy", "JukeboxAutoSkipStorm", "JukeboxExtractorSaturated"} {
		if !names[want] {
			t.Errorf("Critical alert '%s' not found in alerts.yml", want)
		}
	}
}

var fqNamePattern = regexp.MustCompile(`fqName: "([^"]+)"`)

func declaredMetrics() map[string]bool {
	collectors := []prometheus.Collector{
		QueueLength, QueueOperationsTotal,
		AdmissionRejectedTotal, AdmissionActiveUsers,
		ResolutionCacheTotal, ResolutionDuration,
		ExtractorRunsTotal, ExtractorInFlight, PlayerStartsTotal, PlayerHealthy,
		IPCRequestsTotal, IPCReconnectsTotal,
		PlaybackRecoveriesTotal,
		OrchestratorTransitionsTotal, OrchestratorStaleEventsTotal, OrchestratorAutoSkipsTotal, PlaybackStatus,
		APIRequestDuration, APIRequestsTotal, APIActiveConnections,
	}
	ch := make(chan *prometheus.Desc, 64)
	go func() {
		for _, c := range collectors {
			c.Describe(ch)
		}
		close(ch)
	}()

	names := map[string]bool{}
	for d := range ch {
		if m := fqNamePattern.FindStringSubmatch(d.String()); m != nil {
			names[m[1]] = true
		}
	}
	return names
}

var metricRef = regexp.MustCompile(`grimnir_jukebox_[a-z_]+`)

// TestAlertMetricsExist verifies every metric referenced by an alert is declared.
func TestAlertMetricsExist(t *testing.T) {
	declared := declaredMetrics()
	if !declared["grimnir_jukebox_queue_length"] {
		t.Fatalf("descriptor parsing failed: %v", declared)
	}

	for _, group := range loadAlerts(t).Groups {
		for _, alert := range group.Rules {
			for _, ref := range metricRef.FindAllString(alert.Expr, -1) {
				base := ref
				for _, suffix := range []string{"_bucket", "_sum", "_count"} {
					base = strings.TrimSuffix(base, suffix)
				}
				if !declared[base] {
					t.Errorf("Alert '%s' references undeclared metric %s", alert.Alert, ref)
				}
			}
		}
	}
}
