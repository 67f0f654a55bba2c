// Package model defines the persisted document shapes named in the data
// model: Library, ScheduledJob, Collection, BackgroundJob,
// FileProcessingJobState and CacheFolder. Field names are camelCase BSON
// tags, matching §6's document-store naming convention.
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CollectionType distinguishes a filesystem-rooted collection from an
// archive-rooted one.
type CollectionType string

const (
	CollectionTypeDirectory CollectionType = "directory"
	CollectionTypeArchive   CollectionType = "archive"
)

// JobType enumerates the known background job kinds. media-processing is
// named in the source but, per spec §9's resolution of its own Open
// Question, does not participate in the three-stage state machine and is
// not modeled as a job kind here.
type JobType string

const (
	JobTypeLibraryScan    JobType = "library-scan"
	JobTypeBulkAdd        JobType = "bulk-add"
	JobTypeCollectionScan JobType = "collection-scan"
	JobTypeThumbnail      JobType = "thumbnail"
	JobTypeCache          JobType = "cache"
)

// JobStatus is the job- or stage-level lifecycle state from §4.3.
type JobStatus string

const (
	JobStatusPending    JobStatus = "Pending"
	JobStatusInProgress JobStatus = "InProgress"
	JobStatusCompleted  JobStatus = "Completed"
	JobStatusFailed     JobStatus = "Failed"
	JobStatusCancelled  JobStatus = "Cancelled"
)

// StageName is one of the three fixed per-collection-scan-job stages.
type StageName string

const (
	StageScan      StageName = "scan"
	StageThumbnail StageName = "thumbnail"
	StageCache     StageName = "cache"
)

// Stage is one sub-progress track within a BackgroundJob.
type Stage struct {
	Status        JobStatus  `bson:"status"`
	TotalItems    int64      `bson:"totalItems"`
	CompletedItems int64     `bson:"completedItems"`
	FailedItems   int64      `bson:"failedItems"`
	Message       string     `bson:"message,omitempty"`
	StartedAt     *time.Time `bson:"startedAt,omitempty"`
	CompletedAt   *time.Time `bson:"completedAt,omitempty"`
}

// Library is a watchable root path on disk.
type Library struct {
	ID        bson.ObjectID     `bson:"_id"`
	Name      string            `bson:"name"`
	RootPath  string            `bson:"rootPath"`
	OwnerID   bson.ObjectID     `bson:"ownerId"`
	AutoScan  bool              `bson:"autoScan"`
	Cron      string            `bson:"cron,omitempty"`
	CreatedAt time.Time         `bson:"createdAt"`
	UpdatedAt time.Time         `bson:"updatedAt"`
	SchemaVersion int           `bson:"schemaVersion"`
}

// ScheduledJob is a recurring schedule bound (or attempted to be bound) to
// the external scheduler runtime.
type ScheduledJob struct {
	ID              bson.ObjectID     `bson:"_id"`
	LibraryID       bson.ObjectID     `bson:"libraryId"`
	CronExpression  string            `bson:"cronExpression"`
	Enabled         bool              `bson:"enabled"`
	RunCount        int64             `bson:"runCount"`
	SuccessCount    int64             `bson:"successCount"`
	FailureCount    int64             `bson:"failureCount"`
	LastRunAt       *time.Time        `bson:"lastRunAt,omitempty"`
	LastRunStatus   string            `bson:"lastRunStatus,omitempty"`
	LastRunDuration time.Duration     `bson:"lastRunDuration,omitempty"`
	NextRunAt       *time.Time        `bson:"nextRunAt,omitempty"`
	// ExternalBinding is the opaque binding id into the scheduler runtime;
	// nil/empty means the job is orphaned (see internal/libschedule).
	ExternalBinding string            `bson:"externalBinding,omitempty"`
	Parameters      map[string]string `bson:"parameters,omitempty"`
	CreatedAt       time.Time         `bson:"createdAt"`
	UpdatedAt       time.Time         `bson:"updatedAt"`
	SchemaVersion   int               `bson:"schemaVersion"`
}

// IsOrphaned reports whether this scheduled job is enabled and has no
// external binding.
func (s ScheduledJob) IsOrphaned() bool {
	return s.Enabled && s.ExternalBinding == ""
}

// ImageRef is one element of a Collection's images/thumbnails/cacheImages
// arrays.
type ImageRef struct {
	ImageID      string    `bson:"imageId"`
	RelativePath string    `bson:"relativePath"`
	SizeBytes    int64     `bson:"sizeBytes"`
	Width        int       `bson:"width,omitempty"`
	Height       int       `bson:"height,omitempty"`
	Format       string    `bson:"format,omitempty"`
	OutputPath   string    `bson:"outputPath,omitempty"`
	OutputFolderID bson.ObjectID `bson:"outputFolderId,omitempty"`
	CreatedAt    time.Time `bson:"createdAt"`
}

// CollectionStatistics is the rolled-up counts/sizes for a Collection.
type CollectionStatistics struct {
	TotalImages       int64 `bson:"totalImages"`
	TotalThumbnails   int64 `bson:"totalThumbnails"`
	TotalCacheImages  int64 `bson:"totalCacheImages"`
	TotalSizeBytes    int64 `bson:"totalSizeBytes"`
	ThumbnailSizeBytes int64 `bson:"thumbnailSizeBytes"`
	CacheSizeBytes    int64 `bson:"cacheSizeBytes"`
}

// Collection is a set of images discovered under a library path.
type Collection struct {
	ID           bson.ObjectID        `bson:"_id"`
	LibraryID    bson.ObjectID        `bson:"libraryId"`
	Name         string                `bson:"name"`
	Path         string                `bson:"path"`
	Type         CollectionType        `bson:"type"`
	Images       []ImageRef            `bson:"images"`
	Thumbnails   []ImageRef            `bson:"thumbnails"`
	CacheImages  []ImageRef            `bson:"cacheImages"`
	Statistics   CollectionStatistics  `bson:"statistics"`
	CreatedAt    time.Time             `bson:"createdAt"`
	UpdatedAt    time.Time             `bson:"updatedAt"`
	SchemaVersion int                  `bson:"schemaVersion"`
}

// BackgroundJob is the progress document for a unit of work.
type BackgroundJob struct {
	ID             bson.ObjectID          `bson:"_id"`
	JobType        JobType                `bson:"jobType"`
	Status         JobStatus              `bson:"status"`
	TotalItems     int64                  `bson:"totalItems"`
	CompletedItems int64                  `bson:"completedItems"`
	FailedItems    int64                  `bson:"failedItems"`
	Stages         map[StageName]*Stage   `bson:"stages"`
	Parameters     map[string]string      `bson:"parameters,omitempty"`
	Message        string                 `bson:"message,omitempty"`
	ErrorMessage   string                 `bson:"errorMessage,omitempty"`
	CreatedAt      time.Time              `bson:"createdAt"`
	UpdatedAt      time.Time              `bson:"updatedAt"`
	StartedAt      *time.Time             `bson:"startedAt,omitempty"`
	CompletedAt    *time.Time             `bson:"completedAt,omitempty"`
	SchemaVersion  int                    `bson:"schemaVersion"`
}

// JobSettings are the per-run thumbnail/cache generation parameters named
// in FileProcessingJobState.jobSettings and the thumbnail/cache messages.
type JobSettings struct {
	TargetWidth  int    `bson:"targetWidth"`
	TargetHeight int    `bson:"targetHeight"`
	Quality      int    `bson:"quality"`
	Format       string `bson:"format"`
	PreserveAnimation bool `bson:"preserveAnimation"`
}

// FileProcessingJobState is a resumable per-collection record for
// thumbnail/cache/both runs.
type FileProcessingJobState struct {
	ID              bson.ObjectID `bson:"_id"`
	CollectionID    bson.ObjectID `bson:"collectionId"`
	TotalImages     int64         `bson:"totalImages"`
	CompletedImages int64         `bson:"completedImages"`
	SkippedImages   int64         `bson:"skippedImages"`
	FailedImages    int64         `bson:"failedImages"`
	RemainingImages int64         `bson:"remainingImages"`
	OutputFolderID  bson.ObjectID `bson:"outputFolderId"`
	CanResume       bool          `bson:"canResume"`
	JobSettings     JobSettings   `bson:"jobSettings"`
	CreatedAt       time.Time     `bson:"createdAt"`
	UpdatedAt       time.Time     `bson:"updatedAt"`
	ClosedAt        *time.Time    `bson:"closedAt,omitempty"`
}

// CacheFolder is a writable directory that C1 distributes artifacts
// across.
type CacheFolder struct {
	ID                  bson.ObjectID   `bson:"_id"`
	Name                string          `bson:"name"`
	Path                string          `bson:"path"`
	Priority            int             `bson:"priority"`
	MaxSizeBytes        int64           `bson:"maxSizeBytes"`
	CurrentSizeBytes    int64           `bson:"currentSizeBytes"`
	CachedCollectionIDs []bson.ObjectID `bson:"cachedCollectionIds"`
	IsActive            bool            `bson:"isActive"`
	CreatedAt           time.Time       `bson:"createdAt"`
	UpdatedAt           time.Time       `bson:"updatedAt"`
}

// IsFull reports whether the folder has reached its configured capacity.
func (c CacheFolder) IsFull() bool {
	return c.CurrentSizeBytes >= c.MaxSizeBytes
}

// IsNearFull reports whether usage has crossed the 90% watermark.
func (c CacheFolder) IsNearFull() bool {
	if c.MaxSizeBytes <= 0 {
		return false
	}

	return float64(c.CurrentSizeBytes)/float64(c.MaxSizeBytes) >= 0.9
}

// AvailableSpaceBytes is the remaining capacity, clamped at zero.
func (c CacheFolder) AvailableSpaceBytes() int64 {
	avail := c.MaxSizeBytes - c.CurrentSizeBytes
	if avail < 0 {
		return 0
	}

	return avail
}
