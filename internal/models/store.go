// internal/models/store.go
package models

import "time"

// StoreRecord is one entry of the broader store dataset served to map clients.
type StoreRecord struct {
	ID        string  `json:"id" db:"id"`
	Name      string  `json:"name" db:"name"`
	Lat       float64 `json:"lat" db:"lat"`
	Lng       float64 `json:"lng" db:"lng"`
	Address   string  `json:"address,omitempty" db:"address"`
	City      string  `json:"city,omitempty" db:"city"`
	Status    string  `json:"status,omitempty" db:"status"`
	Franchise string  `json:"franchise,omitempty" db:"franchise"`
}

type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

type CacheMetadata struct {
	Version   string    `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
	Count     int       `json:"count" db:"record_count"`
}

// StoreDataset is the payload returned by the dataset endpoint.
type StoreDataset struct {
	Version string        `json:"version"`
	Records []StoreRecord `json:"records"`
}
