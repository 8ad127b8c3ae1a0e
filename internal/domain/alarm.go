package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// AlarmSeverity orders alarms by urgency.
type AlarmSeverity string

const (
	SeverityCritical      AlarmSeverity = "CRITICAL"
	SeverityMajor         AlarmSeverity = "MAJOR"
	SeverityMinor         AlarmSeverity = "MINOR"
	SeverityWarning       AlarmSeverity = "WARNING"
	SeverityIndeterminate AlarmSeverity = "INDETERMINATE"
)

// AlarmStatus is the stored lifecycle state.
type AlarmStatus string

const (
	StatusActiveUnack  AlarmStatus = "ACTIVE_UNACK"
	StatusActiveAck    AlarmStatus = "ACTIVE_ACK"
	StatusClearedUnack AlarmStatus = "CLEARED_UNACK"
	StatusClearedAck   AlarmStatus = "CLEARED_ACK"
)

// alarmStatusCount is the size of the full status set; a search that expands
// to all of them is equivalent to no status filter.
const alarmStatusCount = 4

// AlarmSearchStatus is the user-facing search axis over AlarmStatus.
type AlarmSearchStatus string

const (
	SearchStatusAny     AlarmSearchStatus = "ANY"
	SearchStatusActive  AlarmSearchStatus = "ACTIVE"
	SearchStatusCleared AlarmSearchStatus = "CLEARED"
	SearchStatusAck     AlarmSearchStatus = "ACK"
	SearchStatusUnack   AlarmSearchStatus = "UNACK"
)

// ToAlarmStatuses translates search statuses to the stored status set. An
// empty result means the filter must be omitted.
func ToAlarmStatuses(searchList []AlarmSearchStatus) []AlarmStatus {
	set := make(map[AlarmStatus]struct{})
	for _, search := range searchList {
		switch search {
		case SearchStatusActive:
			set[StatusActiveAck] = struct{}{}
			set[StatusActiveUnack] = struct{}{}
		case SearchStatusCleared:
			set[StatusClearedAck] = struct{}{}
			set[StatusClearedUnack] = struct{}{}
		case SearchStatusAck:
			set[StatusActiveAck] = struct{}{}
			set[StatusClearedAck] = struct{}{}
		case SearchStatusUnack:
			set[StatusActiveUnack] = struct{}{}
			set[StatusClearedUnack] = struct{}{}
		}
		if search == SearchStatusAny || len(set) == alarmStatusCount {
			return nil
		}
	}
	result := make([]AlarmStatus, 0, len(set))
	for _, status := range []AlarmStatus{StatusActiveUnack, StatusActiveAck, StatusClearedUnack, StatusClearedAck} {
		if _, ok := set[status]; ok {
			result = append(result, status)
		}
	}
	return result
}

// AlarmDataPageLink extends the entity page link with alarm criteria.
type AlarmDataPageLink struct {
	EntityDataPageLink
	StartTs                int64               `json:"startTs,omitempty"`
	EndTs                  int64               `json:"endTs,omitempty"`
	TimeWindow             int64               `json:"timeWindow,omitempty"`
	TypeList               []string            `json:"typeList,omitempty"`
	SeverityList           []AlarmSeverity     `json:"severityList,omitempty"`
	StatusList             []AlarmSearchStatus `json:"statusList,omitempty"`
	SearchPropagatedAlarms bool                `json:"searchPropagatedAlarms,omitempty"`
}

// AlarmDataQuery pairs alarm criteria with the projection of alarm fields and
// latest values; the entity filter supplies the originator candidates.
type AlarmDataQuery struct {
	Filter       EntityFilter      `json:"entityFilter"`
	PageLink     AlarmDataPageLink `json:"pageLink"`
	AlarmFields  []EntityKey       `json:"alarmFields,omitempty"`
	EntityFields []EntityKey       `json:"entityFields,omitempty"`
	LatestValues []EntityKey       `json:"latestValues,omitempty"`
	KeyFilters   []KeyFilter       `json:"keyFilters,omitempty"`
}

// AlarmData is one alarm row joined with its resolved (propagation-aware)
// entity id.
type AlarmData struct {
	ID             uuid.UUID       `json:"id"`
	CreatedTime    int64           `json:"createdTime"`
	TenantID       uuid.UUID       `json:"tenantId"`
	Type           string          `json:"type"`
	OriginatorID   uuid.UUID       `json:"originatorId"`
	OriginatorType EntityType      `json:"originatorType"`
	OriginatorName string          `json:"originatorName,omitempty"`
	Severity       AlarmSeverity   `json:"severity"`
	Status         AlarmStatus     `json:"status"`
	StartTs        int64           `json:"startTs,omitempty"`
	EndTs          int64           `json:"endTs,omitempty"`
	AckTs          int64           `json:"ackTs,omitempty"`
	ClearTs        int64           `json:"clearTs,omitempty"`
	Propagate      bool            `json:"propagate"`
	Details        json.RawMessage `json:"details,omitempty"`
	// EntityID is the queried entity the alarm surfaced for: the originator,
	// or the propagation source when the alarm arrived over an ALARM edge.
	EntityID EntityID `json:"entityId"`
}
