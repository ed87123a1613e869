package repository

import (
	"time"

	"gorm.io/datatypes"
)

// TollTransaction is one persisted detection result. (camera_id, entry_time)
// is the natural key of the capture it was produced from.
type TollTransaction struct {
	ID             int64          `gorm:"primaryKey" json:"id"`
	CameraID       string         `gorm:"not null;uniqueIndex:ux_toll_transactions_capture,priority:1" json:"cameraId"`
	EntryTime      time.Time      `gorm:"not null;uniqueIndex:ux_toll_transactions_capture,priority:2;index" json:"entryTime"`
	Location       string         `json:"location"`
	TollID         int            `gorm:"index:idx_toll_transactions_lane,priority:1" json:"tollId"`
	LaneNo         int            `gorm:"index:idx_toll_transactions_lane,priority:2" json:"laneNo"`
	VehicleNo      string         `gorm:"not null" json:"vehicleNo"`
	VehicleType    string         `gorm:"not null" json:"vehicleType"`
	VehicleSubType *string        `json:"vehicleSubType,omitempty"`
	Image          string         `json:"image"`
	Video          string         `json:"video,omitempty"`
	Confidence     float64        `json:"confidence"`
	Company        string         `json:"company"`
	IO             string         `gorm:"column:io" json:"io"`
	ProcessedAt    time.Time      `json:"processedAt"`
	Detections     datatypes.JSON `json:"detections,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func (TollTransaction) TableName() string { return "toll_transactions" }

// Camera is a configured lane camera
type Camera struct {
	ID        string `gorm:"primaryKey"`
	Company   string
	Location  string
	TollID    int
	Lane      int
	IO        string `gorm:"column:io"`
	Stream    string
	Status    string `gorm:"index"`
	CreatedAt time.Time
}

func (Camera) TableName() string { return "cameras" }

// Models lists the tables owned by this package
func Models() []interface{} {
	return []interface{}{&Camera{}, &TollTransaction{}}
}
