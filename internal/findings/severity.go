// Package findings normalizes raw Lacework records into the entry shapes
// served by the dashboard API. Records arrive as the provider returned
// them, so every accessor tolerates missing and oddly-typed fields.
package findings

import "sort"

// severityRank orders alert and vulnerability severities from most to
// least urgent. Unrecognized severities sort last.
var severityRank = map[string]int{
	"Critical": 1,
	"High":     2,
	"Medium":   3,
	"Low":      4,
	"Info":     5,
}

// riskSeverityRank orders identity risk severities, which the provider
// reports upper-cased.
var riskSeverityRank = map[string]int{
	"CRITICAL": 1,
	"HIGH":     2,
	"MEDIUM":   3,
	"LOW":      4,
	"INFO":     5,
}

const unknownSeverityRank = 5

// SeverityRank returns the sort rank for an alert or vulnerability
// severity. Unknown values rank alongside Info.
func SeverityRank(severity string) int {
	if rank, ok := severityRank[severity]; ok {
		return rank
	}
	return unknownSeverityRank
}

// RiskSeverityRank returns the sort rank for an identity risk severity.
func RiskSeverityRank(severity string) int {
	if rank, ok := riskSeverityRank[severity]; ok {
		return rank
	}
	return unknownSeverityRank
}

// SeverityThreshold returns the inclusive rank cutoff for a minimum
// severity setting. Unrecognized values fall back to High.
func SeverityThreshold(severity string) int {
	if rank, ok := severityRank[severity]; ok {
		return rank
	}
	return severityRank["High"]
}

func sortBySeverity[T any](items []T, severity func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return SeverityRank(severity(items[i])) < SeverityRank(severity(items[j]))
	})
}
