package storage

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

var closeDate = civil.Date{Year: 2024, Month: time.March, Day: 5}

func TestBuildOrderBackupPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeOrderBackup, PathParams{Date: closeDate})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "backups/2024/03/orders_2024-03-05.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildDepartmentReportPathWithPrefix(t *testing.T) {
	path, err := BuildObjectPath(PurposeDepartmentReport, PathParams{
		Prefix:       "/lunch/prod/",
		Date:         closeDate,
		DepartmentID: "ops",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "lunch/prod/reports/2024/03/2024-03-05/ops.csv"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	cases := []PathParams{
		{Date: closeDate, DepartmentID: "../bad"},
		{Date: closeDate},
		{DepartmentID: "ops"},
		{Prefix: "a/../b", Date: closeDate, DepartmentID: "ops"},
	}
	for _, params := range cases {
		if _, err := BuildObjectPath(PurposeDepartmentReport, params); err == nil {
			t.Fatalf("expected error for %+v", params)
		}
	}
}
