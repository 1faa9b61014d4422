package neuprint

import (
	"fmt"
	"time"
)

// Meta property keys.
const (
	LastDatabaseEditKey = "lastDatabaseEdit"
	UUIDKey             = "uuid"
	PreHPThresholdKey   = "preHPThreshold"
	PostHPThresholdKey  = "postHPThreshold"
	TotalPreCountKey    = "totalPreCount"
	TotalPostCountKey   = "totalPostCount"
	DatasetKey          = "dataset"
)

// Meta holds the per-dataset summary node.
type Meta struct {
	Dataset          string    `json:"dataset"`
	RoiInfo          RoiInfo   `json:"roiInfo"`
	TotalPreCount    int64     `json:"totalPreCount"`
	TotalPostCount   int64     `json:"totalPostCount"`
	LastDatabaseEdit time.Time `json:"lastDatabaseEdit"`
	UUID             string    `json:"uuid,omitempty"`
	PreHPThreshold   float64   `json:"preHPThreshold"`
	PostHPThreshold  float64   `json:"postHPThreshold"`
}

// RoiNames returns the sorted names of all ROIs known to the dataset.
func (m Meta) RoiNames() []string {
	return m.RoiInfo.Names()
}

// HPThresholds returns the high-precision confidence cutoffs.
func (m Meta) HPThresholds() HPThresholds {
	return HPThresholds{Pre: m.PreHPThreshold, Post: m.PostHPThreshold}
}

// ToMap returns the stored properties of the Meta node.
func (m Meta) ToMap() (map[string]interface{}, error) {
	roiStr, err := m.RoiInfo.MarshalString()
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		DatasetKey:          m.Dataset,
		RoiInfoKey:          roiStr,
		TotalPreCountKey:    m.TotalPreCount,
		TotalPostCountKey:   m.TotalPostCount,
		LastDatabaseEditKey: m.LastDatabaseEdit.UTC(),
		PreHPThresholdKey:   m.PreHPThreshold,
		PostHPThresholdKey:  m.PostHPThreshold,
	}
	if m.UUID != "" {
		out[UUIDKey] = m.UUID
	}
	return out, nil
}

// MetaFromMap parses stored Meta properties.
func MetaFromMap(props map[string]interface{}) (m Meta, err error) {
	m.Dataset, _ = props[DatasetKey].(string)
	m.UUID, _ = props[UUIDKey].(string)
	if m.RoiInfo, err = roiInfoFromInterface(props[RoiInfoKey]); err != nil {
		return
	}
	if m.TotalPreCount, err = toInt64(props[TotalPreCountKey]); err != nil {
		return m, fmt.Errorf("meta %s: %v", TotalPreCountKey, err)
	}
	if m.TotalPostCount, err = toInt64(props[TotalPostCountKey]); err != nil {
		return m, fmt.Errorf("meta %s: %v", TotalPostCountKey, err)
	}
	if m.PreHPThreshold, err = toFloat64(props[PreHPThresholdKey]); err != nil {
		return m, fmt.Errorf("meta %s: %v", PreHPThresholdKey, err)
	}
	if m.PostHPThreshold, err = toFloat64(props[PostHPThresholdKey]); err != nil {
		return m, fmt.Errorf("meta %s: %v", PostHPThresholdKey, err)
	}
	switch t := props[LastDatabaseEditKey].(type) {
	case nil:
	case time.Time:
		m.LastDatabaseEdit = t
	case string:
		if m.LastDatabaseEdit, err = time.Parse(time.RFC3339Nano, t); err != nil {
			return m, fmt.Errorf("meta %s: %v", LastDatabaseEditKey, err)
		}
	default:
		return m, fmt.Errorf("meta %s has unexpected type %T", LastDatabaseEditKey, t)
	}
	return m, nil
}

// EditTime converts an optional unix timestamp in seconds into the edit time, using now
// when no timestamp was given.
func EditTime(timestamp int64) time.Time {
	if timestamp <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(timestamp, 0).UTC()
}
