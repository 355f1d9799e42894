/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"io"
)

// Storage abstracts access to the audio file library. The playback engine
// opens files through it and the selector probes existence before queueing.
type Storage interface {
	// Open returns a reader positioned at the start of the file.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Exists reports whether the file is present.
	Exists(ctx context.Context, path string) (bool, error)
	// Delete removes the file. Missing files are not an error.
	Delete(ctx context.Context, path string) error
	// CheckAccess verifies the storage backend is reachable.
	CheckAccess(ctx context.Context) error
}
