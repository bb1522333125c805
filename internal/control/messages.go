package control

import "encoding/json"

// Inbound message types, sent by the coordinator.
const (
	TypeAuthSuccess   = "AUTH_SUCCESS"
	TypeS3Credentials = "S3_CREDENTIALS"
	TypeResumeInfo    = "RESUME_INFO"
	TypeBlendFileURL  = "BLEND_FILE_URL"
	TypeTerminate     = "TERMINATE"
)

// Outbound message types, sent by the worker.
const (
	TypeAuth              = "AUTH"
	TypeAlive             = "ALIVE"
	TypeProgressBaked     = "PROGRESS_BAKED"
	TypeProgressCompressed = "PROGRESS_COMPRESSED"
	TypeProgressSecured   = "PROGRESS_SECURED"
	TypeProgressUpdate    = "PROGRESS_UPDATE"
	TypeReadyToTerminate  = "READY_TO_TERMINATE"
	// TypeCacheComplete is supplemented from the original ws_client's
	// send_cache_complete(); the distilled protocol table omits it.
	TypeCacheComplete = "CACHE_COMPLETE"
)

// envelope is the wire shape every message shares: a discriminant type plus
// an arbitrary payload, decoded a second time against the type's own struct.
type envelope struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ServerTimeMs int64           `json:"serverTimeMs,omitempty"`
}

// AuthPayload is sent once per connection to authenticate the worker.
type AuthPayload struct {
	Password string `json:"password"`
}

// S3CredentialsPayload carries the destination bucket and scoped credentials.
type S3CredentialsPayload struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
}

// ResumeInfoPayload signals the worker should resume an interrupted job
// rather than start clean.
type ResumeInfoPayload struct {
	TotalFrames int `json:"totalFrames"`
}

// BlendFileURLPayload carries the signed URL the worker fetches the .blend
// scene file from before starting the simulation driver.
type BlendFileURLPayload struct {
	URL string `json:"url"`
}

// TerminatePayload requests an orderly shutdown.
type TerminatePayload struct {
	Reason string `json:"reason,omitempty"`
}

// BakedPayload reports a single frame observed stable on disk.
type BakedPayload struct {
	Frame     int   `json:"frame"`
	Total     int   `json:"total"`
	Timestamp int64 `json:"timestamp"`
}

// CompressedPayload reports a batch finishing compression, before upload.
type CompressedPayload struct {
	Frames         []int `json:"frames"`
	BatchID        int   `json:"batchId"`
	CompressedSize int64 `json:"compressedSize"`
	RawSize        int64 `json:"rawSize"`
	Timestamp      int64 `json:"timestamp"`
}

// SecuredPayload reports a batch confirmed durably stored.
type SecuredPayload struct {
	Frames         []int   `json:"frames"`
	BatchID        int     `json:"batchId"`
	R2Key          string  `json:"r2Key"`
	UploadSpeedBps float64 `json:"uploadSpeedBps"`
	Size           int64   `json:"size"`
	ETag           string  `json:"etag"`
	Timestamp      int64   `json:"timestamp"`
}

// CacheCompletePayload announces that every known frame has been secured.
type CacheCompletePayload struct {
	TotalFrames int `json:"totalFrames"`
}
