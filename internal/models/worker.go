package models

import (
	"time"
)

// Worker is a station employee allowed to debit cards belonging to their
// station.
type Worker struct {
	ID        int64      `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Username  string     `json:"username" db:"username"`
	Password  string     `json:"-" db:"password"`
	Phone     string     `json:"phone,omitempty" db:"phone"`
	StationID int64      `json:"station_id" db:"station_id"`
	Role      string     `json:"role" db:"role"`
	Status    string     `json:"status" db:"status"`
	LastLogin *time.Time `json:"last_login" db:"last_login"`
}

// Worker roles
const (
	WorkerRoleWorker     = "worker"
	WorkerRoleSupervisor = "supervisor"
)

// Station is the physical location scoping workers and cards.
type Station struct {
	ID             int64  `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	OrganizationID int64  `json:"organization_id" db:"organization_id"`
	Location       string `json:"location" db:"location"`
	Status         string `json:"status" db:"status"`
}

// Organization owns a group of stations.
type Organization struct {
	ID     int64  `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Phone  string `json:"phone,omitempty" db:"phone"`
	Status string `json:"status" db:"status"`
}

// Shared status value for workers, stations and organizations.
const StatusActive = "active"

// WorkerContext identifies the authenticated caller of an engine operation.
// It is passed explicitly into every balance-changing call; the engine never
// reads ambient request state.
type WorkerContext struct {
	WorkerID  int64
	StationID int64
	Role      string
}
