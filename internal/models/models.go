package models

import "time"

// File represents one ingested file as recorded in the catalog.
type File struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"filesize"`
	ChunkSize int64     `json:"chunk_size"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkCount returns the number of chunks the file was split into.
func (f *File) ChunkCount() int64 {
	if f.ChunkSize <= 0 {
		return 0
	}
	return (f.Size + f.ChunkSize - 1) / f.ChunkSize
}

// Locator is the remote handle produced by a successful chunk upload:
// an opaque message identifier assigned by the endpoint and a URL that
// is only fetchable through the rewriting proxy.
type Locator struct {
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
}

// Chunk represents one ordered fragment of a file's content.
type Chunk struct {
	FileID    int64  `json:"file_id"`
	Index     int    `json:"idx"`
	URL       string `json:"url"`
	MessageID string `json:"message_id"`
	SHA256    string `json:"sha256"`
}

// Locator returns the chunk's remote locator.
func (c *Chunk) Locator() Locator {
	return Locator{MessageID: c.MessageID, URL: c.URL}
}

// ChunkData holds chunk payload and metadata during ingestion.
type ChunkData struct {
	Data  []byte
	Index int
	Hash  string
	Size  int64
}
