package query

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// adaptEntityRows maps result records to EntityData. The latest map carries
// exactly the requested keys; entity fields land under ENTITY_FIELD. Missing
// backing rows produce entries with an empty value.
func adaptEntityRows(records []map[string]any, fieldKeys []string, latestKeys []domain.EntityKey, latestAliases map[latestKeyID]string) ([]domain.EntityData, error) {
	data := make([]domain.EntityData, 0, len(records))
	for _, record := range records {
		id, ok := uuidFromAny(record["id"])
		if !ok {
			return nil, domain.NewInternal(fmt.Sprintf("entity row id %v is not a uuid", record["id"]), nil)
		}
		entityType, err := domain.ParseEntityType(stringify(record["entity_type"]))
		if err != nil {
			return nil, domain.NewInternal(fmt.Sprintf("entity row type %v is unknown", record["entity_type"]), nil)
		}

		latest := make(map[domain.EntityKeyType]map[string]domain.TsValue)
		if len(fieldKeys) > 0 {
			fields := make(map[string]domain.TsValue, len(fieldKeys))
			for _, key := range fieldKeys {
				fields[key] = domain.TsValue{Value: stringify(record["field_"+sanitizeParamName(key)])}
			}
			latest[domain.KeyTypeEntityField] = fields
		}
		for _, key := range latestKeys {
			alias, ok := latestAliases[latestKeyID{keyType: key.Type, key: key.Key}]
			if !ok {
				return nil, domain.NewInternal(fmt.Sprintf("latest key %s/%s has no join", key.Type, key.Key), nil)
			}
			bucket, ok := latest[key.Type]
			if !ok {
				bucket = make(map[string]domain.TsValue)
				latest[key.Type] = bucket
			}
			bucket[key.Key] = latestCellValue(record, alias)
		}

		data = append(data, domain.EntityData{
			EntityID: domain.NewEntityID(entityType, id),
			Latest:   latest,
		})
	}
	return data, nil
}

// latestCellValue picks the populated value cell of one latest join and
// renders it canonically.
func latestCellValue(record map[string]any, alias string) domain.TsValue {
	value := domain.TsValue{}
	if ts, ok := record[alias+"_ts"].(int64); ok {
		value.Ts = ts
	}
	for _, cell := range []string{"_bool_v", "_str_v", "_long_v", "_dbl_v", "_json_v"} {
		if raw := record[alias+cell]; raw != nil {
			value.Value = stringify(raw)
			return value
		}
	}
	return value
}

// stringify renders a driver value in locale-independent canonical form.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case []byte:
		return string(v)
	case [16]byte:
		return uuid.UUID(v).String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// adaptAlarmRows maps alarm records, resolving each row's entity id against
// the queried entity list so propagated alarms surface the entity they were
// queried for, with its type.
func adaptAlarmRows(records []map[string]any, orderedIDs []domain.EntityID) ([]domain.AlarmData, error) {
	byID := make(map[uuid.UUID]domain.EntityID, len(orderedIDs))
	for _, id := range orderedIDs {
		byID[id.ID] = id
	}

	data := make([]domain.AlarmData, 0, len(records))
	for _, record := range records {
		id, ok := uuidFromAny(record["id"])
		if !ok {
			return nil, domain.NewInternal(fmt.Sprintf("alarm row id %v is not a uuid", record["id"]), nil)
		}
		tenantID, _ := uuidFromAny(record["tenant_id"])
		originatorID, _ := uuidFromAny(record["originator_id"])
		originatorType := domain.EntityType(stringify(record["originator_type"]))

		alarm := domain.AlarmData{
			ID:             id,
			CreatedTime:    longValue(record["created_time"]),
			TenantID:       tenantID,
			Type:           stringify(record["type"]),
			OriginatorID:   originatorID,
			OriginatorType: originatorType,
			OriginatorName: stringify(record["originator_name"]),
			Severity:       domain.AlarmSeverity(stringify(record["severity"])),
			Status:         domain.AlarmStatus(stringify(record["status"])),
			StartTs:        longValue(record["start_ts"]),
			EndTs:          longValue(record["end_ts"]),
			AckTs:          longValue(record["ack_ts"]),
			ClearTs:        longValue(record["clear_ts"]),
		}
		if propagate, ok := record["propagate"].(bool); ok {
			alarm.Propagate = propagate
		}
		if details := record["additional_info"]; details != nil {
			alarm.Details = json.RawMessage(stringify(details))
		}

		entityUUID, ok := uuidFromAny(record["entity_id"])
		if !ok {
			entityUUID = originatorID
		}
		if entity, ok := byID[entityUUID]; ok {
			alarm.EntityID = entity
		} else {
			alarm.EntityID = domain.NewEntityID(originatorType, entityUUID)
		}
		data = append(data, alarm)
	}
	return data, nil
}

func longValue(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
