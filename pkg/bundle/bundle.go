// Package bundle packs and unpacks versioned index bundles.
//
// A bundle is a gzip-compressed tar archive holding everything needed to
// serve one ANN index version:
//
//	index.ann      serialized vecindex graph
//	ids.txt        one identifier per line; line number = ordinal
//	metadata.json  engine construction parameters (dimension, metric)
//
// A local extraction directory additionally carries timestamp.txt, the
// remote last-modified time observed when the bundle was fetched. Comparing
// that stamp against the remote store's ModTime decides staleness.
package bundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/haivivi/recserve/pkg/storage"
)

// Archive member names.
const (
	IndexFile = "index.ann"
	IDsFile   = "ids.txt"
	MetaFile  = "metadata.json"

	timestampFile = "timestamp.txt"
)

// Metadata holds the engine construction parameters needed to open the
// serialized index.
type Metadata struct {
	// Dim is the vector dimensionality.
	Dim int `json:"dim"`

	// Metric names the engine distance metric. Only "angular" is served;
	// its distances are bounded to [0, 2].
	Metric string `json:"metric"`

	// Count is the number of items in the index.
	Count int `json:"count"`

	// BuiltAt is the bundle build time, informational only.
	BuiltAt time.Time `json:"built_at,omitempty"`
}

// MetricAngular is the only distance metric the serving layer understands.
const MetricAngular = "angular"

// Saver serializes an index to a writer. *vecindex.HNSW satisfies it.
type Saver interface {
	Save(w io.Writer) error
}

// Pack writes a complete bundle archive to w.
// ids must be in ordinal order and have exactly meta.Count entries
// (Count is filled in from len(ids) if zero).
func Pack(w io.Writer, index Saver, ids []string, meta Metadata) error {
	if meta.Count == 0 {
		meta.Count = len(ids)
	}
	if meta.Count != len(ids) {
		return fmt.Errorf("bundle: metadata count %d does not match %d ids", meta.Count, len(ids))
	}
	if meta.Metric == "" {
		meta.Metric = MetricAngular
	}

	var indexBuf bytes.Buffer
	if err := index.Save(&indexBuf); err != nil {
		return fmt.Errorf("bundle: serialize index: %w", err)
	}

	var idsBuf bytes.Buffer
	for _, id := range ids {
		if strings.ContainsAny(id, "\n\r") {
			return fmt.Errorf("bundle: id %q contains a line break", id)
		}
		idsBuf.WriteString(id)
		idsBuf.WriteByte('\n')
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("bundle: marshal metadata: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, member := range []struct {
		name string
		data []byte
	}{
		{IndexFile, indexBuf.Bytes()},
		{IDsFile, idsBuf.Bytes()},
		{MetaFile, metaData},
	} {
		hdr := &tar.Header{
			Name:    member.name,
			Mode:    0o644,
			Size:    int64(len(member.data)),
			ModTime: meta.BuiltAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("bundle: write header %s: %w", member.name, err)
		}
		if _, err := tw.Write(member.data); err != nil {
			return fmt.Errorf("bundle: write %s: %w", member.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("bundle: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("bundle: close gzip: %w", err)
	}
	return nil
}

// Extract unpacks a bundle archive into dir, which is created if needed.
// Only the known member names are extracted; anything else in the archive
// is ignored. Missing members are an error.
func Extract(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bundle: create dir: %w", err)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("bundle: open gzip: %w", err)
	}
	defer gz.Close()

	wanted := map[string]bool{IndexFile: false, IDsFile: false, MetaFile: false}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("bundle: read tar: %w", err)
		}

		name := filepath.Base(filepath.Clean(hdr.Name))
		seen, ok := wanted[name]
		if !ok || seen || hdr.Typeflag != tar.TypeReg {
			continue
		}

		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("bundle: create %s: %w", name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("bundle: extract %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("bundle: close %s: %w", name, err)
		}
		wanted[name] = true
	}

	for name, seen := range wanted {
		if !seen {
			return fmt.Errorf("bundle: archive is missing %s", name)
		}
	}
	return nil
}

// Fetch downloads the bundle at path from store, extracts it into dir, and
// stamps the directory with the remote last-modified time observed before
// the download. It returns that time.
//
// The timestamp is probed first so that a publish racing with the fetch
// makes the local copy look stale (and refetched) rather than silently
// current.
func Fetch(ctx context.Context, store storage.FileStore, path, dir string) (time.Time, error) {
	remote, err := store.ModTime(ctx, path)
	if err != nil {
		return time.Time{}, fmt.Errorf("bundle: probe %s: %w", path, err)
	}

	r, err := store.Read(ctx, path)
	if err != nil {
		return time.Time{}, fmt.Errorf("bundle: fetch %s: %w", path, err)
	}
	defer r.Close()

	if err := Extract(r, dir); err != nil {
		return time.Time{}, err
	}
	if err := writeVersion(dir, remote); err != nil {
		return time.Time{}, err
	}
	return remote, nil
}

// Contents describes an extracted bundle directory.
type Contents struct {
	// IndexPath is the filesystem path of the serialized index.
	IndexPath string

	// IDs is the ordered identifier list; position = ordinal.
	IDs []string

	// Ordinals maps identifier → ordinal. Bijective with IDs.
	Ordinals map[string]int

	// Meta is the parsed engine metadata.
	Meta Metadata
}

// Open reads the id list and metadata from an extracted bundle directory
// and verifies the serialized index is present. It does not load the index
// itself; callers open IndexPath with the engine loader.
func Open(dir string) (*Contents, error) {
	indexPath := filepath.Join(dir, IndexFile)
	if _, err := os.Stat(indexPath); err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}

	metaData, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("bundle: parse metadata: %w", err)
	}
	if meta.Dim <= 0 {
		return nil, fmt.Errorf("bundle: metadata has invalid dimension %d", meta.Dim)
	}
	if meta.Metric != MetricAngular {
		return nil, fmt.Errorf("bundle: unsupported metric %q", meta.Metric)
	}

	f, err := os.Open(filepath.Join(dir, IDsFile))
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	defer f.Close()

	var ids []string
	ordinals := make(map[string]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		id := sc.Text()
		if _, dup := ordinals[id]; dup {
			return nil, fmt.Errorf("bundle: duplicate id %q in %s", id, IDsFile)
		}
		ordinals[id] = len(ids)
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("bundle: read ids: %w", err)
	}

	if meta.Count != 0 && meta.Count != len(ids) {
		return nil, fmt.Errorf("bundle: metadata count %d does not match %d ids", meta.Count, len(ids))
	}

	return &Contents{
		IndexPath: indexPath,
		IDs:       ids,
		Ordinals:  ordinals,
		Meta:      meta,
	}, nil
}

// LocalVersion reads the fetch timestamp of an extracted bundle directory.
// Returns the zero time with no error if the directory has never been
// stamped.
func LocalVersion(dir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, timestampFile))
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("bundle: %w", err)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bundle: parse %s: %w", timestampFile, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// writeVersion stamps dir with the given fetch time (Unix seconds).
func writeVersion(dir string, t time.Time) error {
	data := []byte(strconv.FormatInt(t.Unix(), 10) + "\n")
	if err := os.WriteFile(filepath.Join(dir, timestampFile), data, 0o644); err != nil {
		return fmt.Errorf("bundle: stamp version: %w", err)
	}
	return nil
}
