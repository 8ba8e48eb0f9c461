package bundle

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// Pack writes dir as a gzip-compressed tar stream, the on-the-wire bundle
// format described in.
func Pack(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "pack bundle", err)
	}
	if err := tw.Close(); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "close tar writer", err)
	}
	if err := gz.Close(); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "close gzip writer", err)
	}
	return nil
}

// Unpack extracts a gzip-compressed tar stream into dir, rejecting any
// entry that would escape dir (zip-slip protection).
func Unpack(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeBundleInvalid, "open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir unpack root", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return gateerr.Wrap(gateerr.CodeBundleInvalid, "read tar entry", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return gateerr.Wrap(gateerr.CodeBundleInvalid, "unsafe tar entry path", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir tar entry", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir tar entry parent", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return gateerr.Wrap(gateerr.CodeHTTPError, "create tar entry file", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return gateerr.Wrap(gateerr.CodeHTTPError, "write tar entry file", err)
			}
			if err := f.Close(); err != nil {
				return gateerr.Wrap(gateerr.CodeHTTPError, "close tar entry file", err)
			}
		default:
			// symlinks and other special types are not part of the bundle
			// format; skip rather than fail the whole extraction.
		}
	}
}

func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == ".." {
		return "", fmt.Errorf("path escapes bundle root: %q", name)
	}
	return filepath.Join(root, cleaned), nil
}
