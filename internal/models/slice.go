package models

import (
	"image"
)

// Slice represents a single mask slice of a Z-stack with metadata
type Slice struct {
	// Image is the decoded slice image
	Image image.Image

	// Index is the position of this slice in the stack (0-based z)
	Index int

	// Filename is the original filename of the slice
	Filename string
}
