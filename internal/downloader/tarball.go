package downloader

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/httpx"
)

// fetchTarball downloads a gzipped tarball and extracts it into root,
// stripping the leading path component every registry and repository
// host prepends ("package/", "<repo>-<ref>/").
func (dl *Downloader) fetchTarball(ctx context.Context, root, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build tarball request: %w", err)
	}

	resp, err := dl.doer.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.TransientNetwork, fmt.Errorf("fetch tarball: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &httpx.StatusError{Status: resp.StatusCode, Header: resp.Header, Body: body}
	}

	if resp.ContentLength > dl.maxTarballSize {
		return errkind.Newf(errkind.TarballTooLarge,
			"tarball is %d bytes, cap is %d", resp.ContentLength, dl.maxTarballSize)
	}

	return dl.extract(root, &cappedReader{r: resp.Body, remaining: dl.maxTarballSize})
}

// errTarballCap marks the compressed stream exceeding the size cap.
var errTarballCap = errors.New("tarball size cap exceeded")

// cappedReader fails the stream once more than remaining bytes have
// been read. Guards servers that omit Content-Length.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, errTarballCap
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}

	n, err := c.r.Read(p)
	c.remaining -= int64(n)

	return n, err
}

// extract unpacks the gzipped tar stream into root. Entry paths are
// confined to root, the leading component is stripped, permissions are
// normalized, and only directories and regular files are materialized.
func (dl *Downloader) extract(root string, stream io.Reader) error {
	gz, err := gzip.NewReader(stream)
	if err != nil {
		return malformed(err)
	}
	defer func() { _ = gz.Close() }()

	reader := tar.NewReader(gz)
	files := 0

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return malformed(err)
		}

		rel, ok := stripComponent(header.Name)
		if !ok {
			continue
		}

		dest, err := confine(root, rel)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			files++
			if files > dl.maxFiles {
				return errkind.Newf(errkind.TooManyFiles,
					"archive exceeds %d files", dl.maxFiles)
			}

			if err := writeEntry(dest, reader, header.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and specials are not needed for analysis and
			// are a traversal hazard.
		}
	}
}

func writeEntry(dest string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	perm := os.FileMode(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return malformed(err)
	}

	return nil
}

// stripComponent removes the archive's leading path component. Entries
// without one (the component itself, pax global headers) are skipped.
func stripComponent(name string) (string, bool) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")

	idx := strings.IndexByte(name, '/')
	if idx < 0 || idx == len(name)-1 {
		return "", false
	}

	return name[idx+1:], true
}

// confine resolves rel under root, rejecting escapes.
func confine(root, rel string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(rel))

	if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
		return "", errkind.Newf(errkind.MalformedArchive, "entry %q escapes archive root", rel)
	}

	return dest, nil
}

func malformed(err error) error {
	if errors.Is(err, errTarballCap) {
		return errkind.Wrap(errkind.TarballTooLarge, err)
	}

	return errkind.Wrap(errkind.MalformedArchive, err)
}
