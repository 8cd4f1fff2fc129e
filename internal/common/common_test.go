package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if HeaderPrefer != "Prefer" {
		t.Fatalf("HeaderPrefer = %q", HeaderPrefer)
	}
	if PreferRespondAsync != "respond-async" {
		t.Fatalf("PreferRespondAsync = %q", PreferRespondAsync)
	}
	if PathHealthz != "/healthz" || PathBatches != "/v1/batches" || PathSubmissions != "/v1/submissions" {
		t.Fatalf("paths mismatch: %q, %q, %q", PathHealthz, PathBatches, PathSubmissions)
	}
	if PathQueueEnqueue != "/v1/queue/enqueue" || PathQueueTrigger != "/v1/queue/trigger" || PathRegrade != "/v1/regrade" {
		t.Fatalf("queue paths mismatch")
	}
	if PathBundles != "/v1/bundles" || PathBundleSnapshot != "/v1/bundles/snapshot" {
		t.Fatalf("bundle paths mismatch")
	}
	if PathUploads != "/v1/uploads" || PathFiles != "/v1/files" {
		t.Fatalf("media paths mismatch")
	}
	if DefaultMaxFanout <= 0 || DefaultScanPageSize <= 0 || DefaultScanMaxPages <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if SQLiteBusyTimeoutMS <= 0 {
		t.Fatalf("busy timeout should be positive")
	}
	if MimeAudioMPEG != "audio/mpeg" || MimeAudioWAV != "audio/wav" || MimeVideoMP4 != "video/mp4" {
		t.Fatalf("mime constants mismatch")
	}
	if MimeVideoMOV != "video/quicktime" {
		t.Fatalf("MimeVideoMOV = %q", MimeVideoMOV)
	}
	if UploadsDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
}
