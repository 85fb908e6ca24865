package remote

// Wire types for the files service. Field names and shapes follow the
// service's JSON contract exactly; all hashes are lowercase hex SHA-256.

// CreateFileRequest is the body of POST /files. The service responds with
// one presigned upload URL per chunk.
type CreateFileRequest struct {
	FileName   string `json:"file_name"`
	FilePath   string `json:"file_path"`
	FileType   string `json:"file_type"`
	FolderID   string `json:"folder_id"`
	ChunkCount int    `json:"chunk_count"`
	FileHash   string `json:"file_hash"`
}

// PresignedUpload is one entry of the CreateFile response: where to PUT
// the bytes of one part.
type PresignedUpload struct {
	ChunkID      string `json:"chunk_id"`
	PartNumber   int    `json:"part_number"`
	PresignedURL string `json:"presigned_url"`
}

// CreateFileResponse carries the service-issued file id and the presigned
// upload URLs, one per chunk, part_number 1-based contiguous.
type CreateFileResponse struct {
	FileID        string            `json:"file_id"`
	PresignedURLs []PresignedUpload `json:"presigned_urls"`
}

// ConfirmRequest is the body of POST /files/confirm. ChunkIDs are listed
// in part_number order.
type ConfirmRequest struct {
	FileID   string   `json:"file_id"`
	ChunkIDs []string `json:"chunk_ids"`
}

// ConfirmResponse reports whether the multipart upload completed.
type ConfirmResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DownloadChunkRef identifies one chunk in a download request.
type DownloadChunkRef struct {
	ChunkID     string `json:"chunk_id"`
	PartNumber  int    `json:"part_number"`
	Fingerprint string `json:"fingerprint"`
}

// DownloadRequest is the body of POST /files/download.
type DownloadRequest struct {
	FileID string             `json:"file_id"`
	Chunks []DownloadChunkRef `json:"chunks"`
}

// DownloadURL is one presigned GET target. Range metadata may be absent;
// the client then derives it from part_number and the fixed chunk size.
type DownloadURL struct {
	ChunkID      string `json:"chunk_id"`
	PartNumber   int    `json:"part_number"`
	PresignedURL string `json:"presigned_url"`
	RangeHeader  string `json:"range_header,omitempty"`
	StartByte    *int64 `json:"start_byte,omitempty"`
	EndByte      *int64 `json:"end_byte,omitempty"`
}

// DownloadResponse carries presigned download URLs for requested chunks.
type DownloadResponse struct {
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	DownloadURLs []DownloadURL `json:"download_urls"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
