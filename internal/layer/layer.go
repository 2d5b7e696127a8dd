// Package layer implements the layer assembler (spec.md C2): it turns an
// ordered set of file entries into a gzip-compressed tar blob, computing
// both of its identifiers — the compressed digest and the uncompressed
// diff_id — in a single pass, as the teacher's oci.Layer/oci.SHA256 pair
// does for model blobs (pkg/distribution/oci/hash.go, oci/layer.go).
package layer

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/klauspost/compress/gzip"
	"github.com/krustbuild/krust/internal/ocispec"
)

// DefaultCompressionLevel is the fixed gzip level spec.md §4.2 mandates for
// deterministic output.
const DefaultCompressionLevel = 5

const (
	dirMode  = 0o755
	execMode = 0o755
)

// FileEntry is one file to place in a layer. Path is the absolute,
// slash-separated in-image path (e.g. "/ko-app/myapp"). Open is called at
// most once to stream the content; Size must match the bytes it yields.
type FileEntry struct {
	Path    string
	Mode    int64
	UID     int
	GID     int
	ModTime time.Time
	Size    int64
	Open    func() (io.ReadCloser, error)
}

// Blob is a fully assembled, compressed layer and its two identifiers.
type Blob struct {
	Bytes     []byte
	Digest    digest.Digest // SHA-256 of the compressed bytes
	DiffID    digest.Digest // SHA-256 of the uncompressed tar bytes
	Size      int64
	MediaType string
}

// Descriptor returns the layer descriptor for this blob.
func (b *Blob) Descriptor() ocispec.LayerDescriptor {
	return ocispec.LayerDescriptor{
		Digest:    b.Digest,
		DiffID:    b.DiffID,
		Size:      b.Size,
		MediaType: b.MediaType,
	}
}

// Assemble builds a layer blob from the given entries, in the order given.
// Determinism (invariant 1 in spec.md §8) requires fixed entry order, fixed
// mtimes, fixed numeric ownership, and fixed permissions; Assemble enforces
// the permission and ownership defaults and otherwise trusts its caller for
// the rest.
func Assemble(entries []FileEntry) (*Blob, error) {
	var compressed bytes.Buffer
	compressedSink := ocispec.NewSink()
	uncompressedSink := ocispec.NewSink()

	gz, err := gzip.NewWriterLevel(io.MultiWriter(&compressed, compressedSink), DefaultCompressionLevel)
	if err != nil {
		return nil, err
	}
	// Zero every reproducibility-sensitive gzip header field; 255 is the
	// "unknown" OS value so the archive doesn't leak the build host's OS.
	gz.Header.ModTime = time.Time{}
	gz.Header.OS = 255
	gz.Header.Name = ""
	gz.Header.Comment = ""

	tw := tar.NewWriter(io.MultiWriter(gz, uncompressedSink))

	if err := writeEntries(tw, entries); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return &Blob{
		Bytes:     compressed.Bytes(),
		Digest:    compressedSink.Digest(),
		DiffID:    uncompressedSink.Digest(),
		Size:      compressedSink.Size(),
		MediaType: v1.MediaTypeImageLayerGzip,
	}, nil
}

func writeEntries(tw *tar.Writer, entries []FileEntry) error {
	dirs := impliedDirectories(entries)
	for _, d := range dirs {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     strings.TrimPrefix(d, "/") + "/",
			Mode:     dirMode,
			ModTime:  time.Unix(0, 0).UTC(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
	}

	for _, e := range entries {
		mode := e.Mode
		if mode == 0 {
			mode = execMode
		}
		mtime := e.ModTime
		if mtime.IsZero() {
			mtime = time.Unix(0, 0).UTC()
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     strings.TrimPrefix(e.Path, "/"),
			Mode:     mode,
			Uid:      e.UID,
			Gid:      e.GID,
			Size:     e.Size,
			ModTime:  mtime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if e.Size == 0 {
			continue
		}
		rc, err := e.Open()
		if err != nil {
			return err
		}
		_, err = io.CopyN(tw, rc, e.Size)
		closeErr := rc.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// impliedDirectories returns every directory implied by the entries'
// paths, sorted and de-duplicated, so each appears once as its own tar
// entry before any file beneath it (boundary case: zero entries still
// yields one root directory entry so the produced tar is never empty).
func impliedDirectories(entries []FileEntry) []string {
	set := map[string]struct{}{}
	for _, e := range entries {
		dir := path.Dir(e.Path)
		for dir != "/" && dir != "." {
			set[dir] = struct{}{}
			dir = path.Dir(dir)
		}
	}
	if len(set) == 0 {
		set["/"] = struct{}{}
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// SingleExecutable builds the app layer containing exactly one executable
// file, per spec.md §4.8 step 2.
func SingleExecutable(imagePath string, size int64, open func() (io.ReadCloser, error), mtime time.Time) (*Blob, error) {
	return Assemble([]FileEntry{
		{
			Path:    imagePath,
			Mode:    execMode,
			Size:    size,
			ModTime: mtime,
			Open:    open,
		},
	})
}
