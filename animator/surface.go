// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package animator

import (
	"fmt"

	"github.com/tailscale/tbattle/distort"
)

// A Surface is a presentation target whose pixels must be locked before they
// are written, such as a streaming texture.
type Surface interface {
	// Lock returns a writable view of the surface pixels. The view is valid
	// until Unlock is called.
	Lock() (distort.Buffer, error)

	// Unlock releases the view returned by a successful Lock.
	Unlock()
}

// Present copies the most recently rendered frame into s. The surface is
// unlocked before Present returns, whether or not the copy succeeds.
func (a *Animator) Present(s Surface) error {
	buf, err := s.Lock()
	if err != nil {
		return fmt.Errorf("lock surface: %w", err)
	}
	defer s.Unlock()
	if buf.Width != a.dst.Width || buf.Height != a.dst.Height || buf.ElemSize != a.dst.ElemSize {
		return fmt.Errorf("surface is %dx%dx%d, frame is %dx%dx%d",
			buf.Width, buf.Height, buf.ElemSize, a.dst.Width, a.dst.Height, a.dst.ElemSize)
	}
	if err := buf.Check(); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	distort.Copy(buf, a.dst)
	return nil
}

// A BufferSurface is a Surface backed by an ordinary Buffer. It is useful for
// testing and for presentation layers that do not need locking.
type BufferSurface struct {
	Buffer distort.Buffer

	locked bool
}

// Lock implements Surface. It reports an error if s is already locked.
func (s *BufferSurface) Lock() (distort.Buffer, error) {
	if s.locked {
		return distort.Buffer{}, fmt.Errorf("surface already locked")
	}
	s.locked = true
	return s.Buffer, nil
}

// Unlock implements Surface.
func (s *BufferSurface) Unlock() { s.locked = false }

// Locked reports whether s is currently locked.
func (s *BufferSurface) Locked() bool { return s.locked }
