package types

import (
	"bytes"
	"io"
	"time"
)

// File is an image file as exchanged with the file-selection and upload collaborators
type File struct {
	Name         string    `json:"name"`
	MimeType     string    `json:"mime_type"`
	Data         []byte    `json:"-"`
	LastModified time.Time `json:"last_modified"`
}

// Size returns the length of the file content in bytes
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// Reader returns a reader over the file content
func (f *File) Reader() io.Reader {
	return bytes.NewReader(f.Data)
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Primary represents the primary subject detected in an image
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
}

// AnalysisResult contains the subject analysis returned by a vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
