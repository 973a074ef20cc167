// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/power-advisor/internal/advisor"
	"github.com/sustainable-computing-io/power-advisor/internal/exporter/prometheus/collector"
)

// MetricInfo holds information about a Prometheus metric
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
}

// emptyStats satisfies the collectors; only descriptions are read
type emptyStats struct{}

func (emptyStats) Stats() advisor.Stats { return advisor.Stats{} }

var (
	fqNameRegex         = regexp.MustCompile(`fqName: "([^"]+)"`)
	helpRegex           = regexp.MustCompile(`help: "([^"]+)"`)
	variableLabelsRegex = regexp.MustCompile(`variableLabels: \{([^}]*)\}`)
)

// extractMetricsInfo extracts metric information from a Prometheus collector
func extractMetricsInfo(c prometheus.Collector) []MetricInfo {
	ch := make(chan *prometheus.Desc, 100)
	c.Describe(ch)
	close(ch)

	var metrics []MetricInfo
	for desc := range ch {
		descStr := desc.String()
		fqNameMatch := fqNameRegex.FindStringSubmatch(descStr)
		helpMatch := helpRegex.FindStringSubmatch(descStr)
		if len(fqNameMatch) < 2 || len(helpMatch) < 2 {
			fmt.Printf("Warning: Could not parse description: %s\n", descStr)
			continue
		}
		name := fqNameMatch[1]

		var labels []string
		if m := variableLabelsRegex.FindStringSubmatch(descStr); len(m) >= 2 && m[1] != "" {
			for _, label := range strings.Split(m[1], ",") {
				labels = append(labels, strings.TrimSpace(label))
			}
		}

		metricType := "GAUGE"
		if strings.HasSuffix(name, "_total") {
			metricType = "COUNTER"
		}

		metrics = append(metrics, MetricInfo{
			Name:        name,
			Type:        metricType,
			Description: helpMatch[1],
			Labels:      labels,
		})
	}
	return metrics
}

type section struct {
	title, intro string
	match        func(name string) bool
}

var sections = []section{{
	title: "Backend Metrics",
	intro: "These metrics describe the connection to the power service and the calls made on it.",
	match: func(name string) bool {
		return strings.Contains(name, "_backend_") || strings.Contains(name, "connect")
	},
}, {
	title: "Hint Session Metrics",
	intro: "These metrics describe the work durations forwarded to the hint session.",
	match: func(name string) bool {
		return strings.Contains(name, "hint_session") || strings.Contains(name, "_reports_") ||
			strings.Contains(name, "target") || strings.Contains(name, "actual")
	},
}, {
	title: "Rendering Metrics",
	intro: "These metrics describe the expensive rendering and display update hints.",
	match: func(name string) bool {
		return strings.Contains(name, "expensive") || strings.Contains(name, "update_imminent")
	},
}}

// generateMarkdown generates Markdown documentation from metric information
func generateMarkdown(metrics []MetricInfo) string {
	var md strings.Builder
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	md.WriteString("# Power Advisor Metrics\n\n")
	md.WriteString("This document describes the metrics exported by the power advisor.\n\n")
	md.WriteString("### Metric Types\n\n")
	md.WriteString("- **COUNTER**: A cumulative metric that only increases over time\n")
	md.WriteString("- **GAUGE**: A metric that can increase and decrease\n\n")
	md.WriteString("## Metrics Reference\n\n")

	grouped := make([][]MetricInfo, len(sections))
	var other []MetricInfo
	for _, metric := range metrics {
		placed := false
		for i, s := range sections {
			if s.match(metric.Name) {
				grouped[i] = append(grouped[i], metric)
				placed = true
				break
			}
		}
		if !placed {
			other = append(other, metric)
		}
	}

	for i, s := range sections {
		if len(grouped[i]) == 0 {
			continue
		}
		fmt.Fprintf(&md, "### %s\n\n%s\n\n", s.title, s.intro)
		writeMetricsSection(&md, grouped[i])
	}
	if len(other) > 0 {
		md.WriteString("### Other Metrics\n\n")
		writeMetricsSection(&md, other)
	}

	md.WriteString("---\n\n")
	md.WriteString("This documentation was automatically generated by the gen-metric-docs tool.\n")
	return md.String()
}

// writeMetricsSection writes a section of metrics to the markdown builder
func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, metric := range metrics {
		fmt.Fprintf(md, "#### %s\n\n", metric.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", metric.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", metric.Description)
		if len(metric.Labels) > 0 {
			md.WriteString("- **Labels**:\n")
			for _, label := range metric.Labels {
				fmt.Fprintf(md, "  - `%s`\n", label)
			}
		}
		md.WriteString("\n")
	}
}

func main() {
	outputPath := flag.String("output", "metrics.md", "Path to output Markdown file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var allMetrics []MetricInfo
	for _, c := range []prometheus.Collector{
		collector.NewAdvisorCollector(emptyStats{}, logger),
		collector.NewBuildInfoCollector(),
	} {
		allMetrics = append(allMetrics, extractMetricsInfo(c)...)
	}
	fmt.Printf("Total metrics extracted: %d\n", len(allMetrics))

	outputDir := filepath.Dir(*outputPath)
	if outputDir != "" && outputDir != "." {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			fmt.Printf("Failed to create output directory: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.WriteFile(*outputPath, []byte(generateMarkdown(allMetrics)), 0644); err != nil {
		fmt.Printf("Failed to write markdown file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Metrics documentation written to %s\n", *outputPath)
}
