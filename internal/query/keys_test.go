package query

import (
	"testing"

	"github.com/zbcumt/thingsboard/internal/domain"
)

func TestEntityFieldColumn_CommonAndPerType(t *testing.T) {
	col, ok := entityFieldColumn(domain.EntityTypeDevice, "createdTime")
	if !ok || col.column != "created_time" || !col.numeric {
		t.Fatalf("createdTime resolution wrong: %+v ok=%v", col, ok)
	}
	col, ok = entityFieldColumn(domain.EntityTypeCustomer, "name")
	if !ok || col.column != "title" {
		t.Fatalf("customer name must map to title, got %+v ok=%v", col, ok)
	}
	col, ok = entityFieldColumn(domain.EntityTypeUser, "name")
	if !ok || col.column != "email" {
		t.Fatalf("user name must map to email, got %+v ok=%v", col, ok)
	}
	if _, ok := entityFieldColumn(domain.EntityTypeDevice, "wingspan"); ok {
		t.Fatalf("unknown key must not resolve")
	}
}

func TestEntityFieldColumn_TenantIDOnTenantTable(t *testing.T) {
	col, ok := entityFieldColumn(domain.EntityTypeTenant, "tenantId")
	if !ok || col.column != "id" {
		t.Fatalf("tenantId on the tenant table must resolve to id, got %+v", col)
	}
}

func TestAlarmFieldColumn(t *testing.T) {
	cases := map[string]string{
		"createdTime":     "created_time",
		"ackTs":           "ack_ts",
		"ackTime":         "ack_ts",
		"clearTs":         "clear_ts",
		"clearTime":       "clear_ts",
		"startTs":         "start_ts",
		"startTime":       "start_ts",
		"endTs":           "end_ts",
		"endTime":         "end_ts",
		"details":         "additional_info",
		"type":            "type",
		"severity":        "severity",
		"status":          "status",
		"originator_id":   "originator_id",
		"originator_type": "originator_type",
		"originator":      "originator_name",
	}
	for key, expect := range cases {
		col, ok := alarmFieldColumn(key)
		if !ok || col.column != expect {
			t.Fatalf("alarm field %s resolved to %+v (ok=%v), want %s", key, col, ok, expect)
		}
	}
	if _, ok := alarmFieldColumn("wingspan"); ok {
		t.Fatalf("unknown alarm field must not resolve")
	}
}

func TestQueryableEntityTypes_ExcludesAlarm(t *testing.T) {
	for _, entityType := range queryableEntityTypes() {
		if entityType == domain.EntityTypeAlarm {
			t.Fatalf("alarm rows must not be entity query candidates")
		}
	}
}
