package storage

import (
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
)

// ArtifactPurpose captures what an object is used for and therefore where it is stored.
type ArtifactPurpose string

const (
	PurposeOrderBackup      ArtifactPurpose = "order-backup"
	PurposeDepartmentReport ArtifactPurpose = "department-report"
)

// PathParams provide the identifiers used to compose object keys.
type PathParams struct {
	// Prefix is prepended to every key, e.g. an environment name.
	Prefix       string
	Date         civil.Date
	DepartmentID string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ArtifactPurpose]PathBuilder{
		PurposeOrderBackup:      buildOrderBackupPath,
		PurposeDepartmentReport: buildDepartmentReportPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ArtifactPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the object path for the given purpose.
func BuildObjectPath(purpose ArtifactPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported artifact purpose %q", purpose)
	}
	path, err := builder(params)
	if err != nil {
		return "", err
	}
	prefix, err := validatePrefix(params.Prefix)
	if err != nil {
		return "", err
	}
	return prefix + path, nil
}

// backups/{yyyy}/{mm}/orders_{date}.json
func buildOrderBackupPath(params PathParams) (string, error) {
	if !params.Date.IsValid() {
		return "", fmt.Errorf("storage: date is required")
	}
	d := params.Date
	return fmt.Sprintf("backups/%04d/%02d/orders_%s.json", d.Year, int(d.Month), d), nil
}

// reports/{yyyy}/{mm}/{date}/{department}.csv
func buildDepartmentReportPath(params PathParams) (string, error) {
	if !params.Date.IsValid() {
		return "", fmt.Errorf("storage: date is required")
	}
	dept, err := validateSegment("departmentID", params.DepartmentID)
	if err != nil {
		return "", err
	}
	d := params.Date
	return fmt.Sprintf("reports/%04d/%02d/%s/%s.csv", d.Year, int(d.Month), d, dept), nil
}

func validatePrefix(value string) (string, error) {
	value = strings.Trim(strings.TrimSpace(value), "/")
	if value == "" {
		return "", nil
	}
	for _, segment := range strings.Split(value, "/") {
		if _, err := validateSegment("prefix", segment); err != nil {
			return "", err
		}
	}
	return value + "/", nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
