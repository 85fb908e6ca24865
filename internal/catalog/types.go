package catalog

// Folder is a directory within the sync root. The sync root itself is a
// Folder row with a nil parent.
type Folder struct {
	FolderID       string
	FolderName     string
	FolderPath     string
	ParentFolderID string // empty for the sync root
	CreatedAt      int64  // unix nanos
	UpdatedAt      int64
}

// File is a regular file within the sync root. Content modification
// produces a new File with a new FileID; the path is what stays stable.
type File struct {
	FileID    string
	FileName  string
	FilePath  string
	FolderID  string
	FileType  string // MIME-like, best effort from extension
	FileHash  string // SHA-256 of the full content, lowercase hex
	Size      int64
	CreatedAt int64
	UpdatedAt int64
}

// Chunk is a fixed-size slice of a file's bytes. The composite key is
// (ChunkID, FileID); PartNumber is 1-based and contiguous within a file.
type Chunk struct {
	ChunkID     string
	FileID      string
	PartNumber  int
	Fingerprint string // SHA-256 of the chunk bytes, lowercase hex
	Size        int64
	CreatedAt   int64
	LastSynced  int64 // 0 means not yet uploaded-and-confirmed
}

// Synced reports whether the chunk's upload has been confirmed.
func (ch *Chunk) Synced() bool {
	return ch.LastSynced != 0
}
