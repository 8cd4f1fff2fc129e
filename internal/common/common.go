package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
)

// API paths
const (
	PathHealthz        = "/healthz"
	PathBatches        = "/v1/batches"
	PathSubmissions    = "/v1/submissions"
	PathQueueEnqueue   = "/v1/queue/enqueue"
	PathQueueTrigger   = "/v1/queue/trigger"
	PathRegrade        = "/v1/regrade"
	PathBundles        = "/v1/bundles"
	PathBundleSnapshot = "/v1/bundles/snapshot"
	PathUploads        = "/v1/uploads"
	PathFiles          = "/v1/files"
)

// Defaults and limits
const (
	DefaultMaxFanout    = 4
	DefaultScanPageSize = 200
	DefaultScanMaxPages = 10
	SQLiteBusyTimeoutMS = 5000
)

// MIME types accepted for student media submissions
const (
	MimeAudioMPEG = "audio/mpeg"
	MimeAudioWAV  = "audio/wav"
	MimeAudioMP4  = "audio/mp4"
	MimeAudioOGG  = "audio/ogg"
	MimeAudioWebM = "audio/webm"
	MimeVideoMP4  = "video/mp4"
	MimeVideoWebM = "video/webm"
	MimeVideoMOV  = "video/quicktime"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
)
