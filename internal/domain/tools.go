package domain

// ToolRelease is a prebuilt tool binary that can be downloaded into the
// app-local bin directory.
type ToolRelease struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        ToolKind `json:"kind"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch,omitempty"`
	URL         string   `json:"url"`
	// ChecksumURL points at a SHA-256 sums file listing URL's asset.
	ChecksumURL string   `json:"checksumUrl,omitempty"`
	FileName    string   `json:"fileName"`
	ArchiveExe  string   `json:"archiveExe,omitempty"`
	Description string   `json:"description"`
	Downloaded  bool     `json:"downloaded"`
	LocalPath   string   `json:"localPath,omitempty"`
}
