package models

import "time"

// App namespaces billed traffic from third-party integrations. A disabled
// app causes a 403 on any request that references it.
type App struct {
	AppID     string    `gorm:"primaryKey;column:app_id" json:"app_id"`
	OwnerOID  string    `gorm:"index;not null" json:"owner_oid"`
	Owner     User      `gorm:"foreignKey:OwnerOID;references:OID" json:"-"`
	Name      string    `json:"name"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (App) TableName() string {
	return "apps"
}
