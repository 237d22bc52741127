package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/netchat/pkg/protocol"
)

// FileExists reports whether path names a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// FileSize returns the size of the file at path
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// SendFile offers the file at path to recipient and streams it through the
// server. After the request it waits the upload grace interval; an offline
// or size error from the server in that window cancels the upload. A
// failure once bytes are flowing leaves the stream unusable, so the
// connection is dropped.
func (c *Connection) SendFile(ctx context.Context, recipient, path string) (int64, error) {
	if !FileExists(path) {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	size, err := FileSize(path)
	if err != nil {
		return 0, err
	}
	if size <= 0 || size > protocol.MaxFileSize {
		return 0, fmt.Errorf("%w: %s is %d bytes", ErrInvalidFileSize, path, size)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	// A cancel left over from an earlier request must not stop this one
	select {
	case <-c.uploadCancel:
	default:
	}

	if err := c.Send(protocol.SendFileRequest(recipient, filepath.Base(path), size)); err != nil {
		return 0, err
	}
	c.logf("Offered %s (%s) to %s", filepath.Base(path), protocol.FormatFileSize(size), recipient)

	c.mu.RLock()
	grace := c.uploadGrace
	c.mu.RUnlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case reason := <-c.uploadCancel:
		return 0, fmt.Errorf("%w: %s", ErrUploadCancelled, reason)
	case <-ctx.Done():
		// The server is already waiting for the bytes
		c.Disconnect()
		return 0, ctx.Err()
	case <-c.shutdown:
		return 0, ErrNotConnected
	}

	sent, err := c.streamFile(f, size)
	if err != nil {
		c.Disconnect()
		return sent, err
	}
	c.logf("Sent %d bytes to %s", sent, recipient)
	return sent, nil
}

// streamFile writes exactly size bytes of r in ChunkSize pieces while
// holding the write lock, so no text line lands inside the payload.
func (c *Connection) streamFile(r io.Reader, size int64) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf := make([]byte, protocol.ChunkSize)
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return sent, fmt.Errorf("reading file after %d of %d bytes: %w", sent, size, err)
		}
		if err := c.writeLocked(buf[:n]); err != nil {
			return sent, err
		}
		sent += int64(n)
	}
	return sent, nil
}

// receiveFile reads exactly notice.Size raw bytes into
// <save root>/<handle>/from_<sender>_<unix><ext>. If the file cannot be
// created the bytes are still consumed so the stream stays aligned. An
// error is returned only when the stream itself failed.
func (c *Connection) receiveFile(raw io.Reader, notice protocol.FileDataNotice) error {
	c.mu.RLock()
	dir := protocol.UserDir(c.saveRoot, c.handle)
	c.mu.RUnlock()
	path := protocol.SavePath(dir, notice.Sender, notice.Filename, c.now())

	base := Event{Sender: notice.Sender, Filename: notice.Filename, Size: notice.Size, Path: path}

	ev := base
	ev.Kind = EventFileReceiving
	ev.Text = fmt.Sprintf("[FILE] Receiving '%s' (%s) from %s...", notice.Filename, protocol.FormatFileSize(notice.Size), notice.Sender)
	c.emit(ev)

	var dst io.Writer = io.Discard
	f, createErr := createReceivedFile(dir, path)
	if createErr == nil {
		dst = f
	}

	_, copyErr := io.CopyN(dst, raw, notice.Size)
	var closeErr error
	if f != nil {
		closeErr = f.Close()
	}

	ev = base
	switch {
	case copyErr != nil:
		if f != nil {
			os.Remove(path)
		}
		ev.Kind = EventFileFailed
		ev.Err = copyErr
		ev.Text = "[FILE] ✗ File reception failed"
		c.emit(ev)
		return fmt.Errorf("receiving %s from %s: %w", notice.Filename, notice.Sender, copyErr)

	case createErr != nil || closeErr != nil:
		if closeErr != nil {
			os.Remove(path)
		}
		ev.Kind = EventFileFailed
		ev.Err = errors.Join(createErr, closeErr)
		ev.Text = "[FILE] ✗ File reception failed"
		c.emit(ev)
		return nil
	}

	ev.Kind = EventFileSaved
	ev.Text = "[FILE] ✓ File saved to: " + path
	c.emit(ev)
	return nil
}

func createReceivedFile(dir, path string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	return os.Create(path)
}
