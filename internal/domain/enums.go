// Package domain defines the core domain models for the call analytics pipeline.
package domain

// ChangeType represents the kind of row change captured from the source database.
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "INSERT"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// Stage identifies the pipeline stage that produced or failed a record.
type Stage string

const (
	StageIngestion  Stage = "ingestion"
	StageAssembly   Stage = "assembly"
	StageProcessing Stage = "processing"
	StageIndexing   Stage = "indexing"
	StageRecovery   Stage = "recovery"
)

// ErrorClass separates failures that are worth retrying from terminal ones.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// HealthStatus is the rolled-up pipeline health.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// BackendKind identifies an inference backend.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

// SpeakerRole is the side of the call a fragment belongs to.
type SpeakerRole string

const (
	SpeakerAgent    SpeakerRole = "agent"
	SpeakerCustomer SpeakerRole = "customer"
	SpeakerSystem   SpeakerRole = "system"
)
