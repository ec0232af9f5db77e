// Package common holds the constants and the error taxonomy shared by the
// pipeline stages.
package common

import "fmt"

// MissingDirectoryError reports an absent root, split or class directory.
type MissingDirectoryError struct {
	Path string
	Kind string // "root", "split" or "class"
}

func (e *MissingDirectoryError) Error() string {
	return fmt.Sprintf("missing %s directory: %s", e.Kind, e.Path)
}

// EmptyDatasetError reports a split without any image.
type EmptyDatasetError struct {
	Split string
	Path  string
}

func (e *EmptyDatasetError) Error() string {
	return fmt.Sprintf("split %q has no images under %s", e.Split, e.Path)
}

// InsufficientClassesError is returned when training labels hold fewer than
// two distinct classes.
type InsufficientClassesError struct {
	Found []int
}

func (e *InsufficientClassesError) Error() string {
	return fmt.Sprintf("binary classifier needs 2 distinct labels, found %d %v", len(e.Found), e.Found)
}

// UnsupportedClassCountError is returned by the two-class components when
// handed any other number of classes.
type UnsupportedClassCountError struct {
	Got int
}

func (e *UnsupportedClassCountError) Error() string {
	return fmt.Sprintf("only 2 classes are supported, got %d", e.Got)
}

// FeatureShapeMismatchError reports features/labels of different lengths or
// feature vectors of unexpected dimensionality.
type FeatureShapeMismatchError struct {
	Reason   string
	Expected int
	Got      int
}

func (e *FeatureShapeMismatchError) Error() string {
	return fmt.Sprintf("feature shape mismatch: %s (expected %d, got %d)", e.Reason, e.Expected, e.Got)
}

// ImageTooLargeError reports an image whose declared dimensions exceed the
// pixel budget of the caller.
type ImageTooLargeError struct {
	Width     int
	Height    int
	MaxPixels int
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image is %dx%d, above the limit of %d pixels", e.Width, e.Height, e.MaxPixels)
}
