package raster

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBackendErrorsDiscriminable(t *testing.T) {
	cause := errors.New("backend says no")

	var openErr *BackendOpenError
	var readErr *BackendReadError
	var writeErr *BackendWriteError

	// Each type matches itself and not the others, through wrapping.
	err := fmt.Errorf("planning: %w", &BackendOpenError{Path: "in.tif", Err: cause})
	if !errors.As(err, &openErr) {
		t.Fatal("BackendOpenError not found through wrapping")
	}
	if errors.As(err, &readErr) || errors.As(err, &writeErr) {
		t.Error("open error matched a read/write error type")
	}
	if openErr.Path != "in.tif" || !errors.Is(err, cause) {
		t.Errorf("open error lost its path or cause: %v", err)
	}

	err = &BackendReadError{Path: "in.tif", Err: cause}
	if !errors.As(err, &readErr) || errors.As(err, &openErr) {
		t.Error("read error does not discriminate from open error")
	}

	err = &BackendWriteError{Path: "out.tif", Err: cause}
	if !errors.As(err, &writeErr) || errors.As(err, &readErr) {
		t.Error("write error does not discriminate from read error")
	}
	if !strings.Contains(err.Error(), "out.tif") {
		t.Errorf("write error message %q does not name the file", err.Error())
	}
}
