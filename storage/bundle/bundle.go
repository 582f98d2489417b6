// Package bundle packs an account's circle history into a deterministic TAR
// archive so it can be backed up or carried to another device.
//
// Layout:
//
//	circles/<cid>   canonical circle bytes
//	index.yaml      circle name and the accepted generations, oldest first
//
// The index is informational. Every circle entry is checked against its CID on
// both export and import.
package bundle

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"gopkg.in/yaml.v3"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/storage"
)

// FormatVersion is the current index schema version.
const FormatVersion = 1

const (
	circlePrefix = "circles/"
	indexName    = "index.yaml"
)

var epoch = time.Unix(0, 0).UTC()

type Index struct {
	Version int     `yaml:"version"`
	Circle  string  `yaml:"circle"`
	Entries []Entry `yaml:"entries"`
}

type Entry struct {
	Generation uint64    `yaml:"generation"`
	CID        string    `yaml:"cid"`
	AcceptedAt time.Time `yaml:"accepted_at"`
}

// FromHistory builds an index from an account's history.
func FromHistory(circleName string, history []storage.HistoryEntry) Index {
	idx := Index{Version: FormatVersion, Circle: circleName}
	for _, h := range history {
		idx.Entries = append(idx.Entries, Entry{Generation: h.Generation, CID: h.CID, AcceptedAt: h.AcceptedAt.UTC()})
	}
	return idx
}

// Export writes every circle named by idx, read from cas, followed by the
// index. Entries are written in CID order and headers carry no timestamps, so
// equal input yields equal bytes.
func Export(w io.Writer, cas storage.CAS, idx Index) error {
	if cas == nil {
		return errors.New("bundle: nil CAS")
	}
	ids := map[string]cid.Cid{}
	for _, e := range idx.Entries {
		id, err := cid.Decode(e.CID)
		if err != nil || !id.Defined() {
			return storage.ErrInvalidCID
		}
		ids[id.String()] = id
	}
	names := make([]string, 0, len(ids))
	for s := range ids {
		names = append(names, s)
	}
	slices.Sort(names)

	tw := tar.NewWriter(w)
	for _, s := range names {
		b, err := cas.Get(ids[s])
		if err != nil {
			_ = tw.Close()
			return fmt.Errorf("bundle: %s: %w", s, err)
		}
		if !cidutil.Matches(ids[s], b) {
			_ = tw.Close()
			return storage.ErrCIDMismatch
		}
		if err := writeFile(tw, circlePrefix+s, b); err != nil {
			_ = tw.Close()
			return err
		}
	}

	idx.Version = FormatVersion
	raw, err := yaml.Marshal(idx)
	if err != nil {
		_ = tw.Close()
		return err
	}
	if err := writeFile(tw, indexName, raw); err != nil {
		_ = tw.Close()
		return err
	}
	return tw.Close()
}

// Import stores every circle in the bundle into cas and returns the index.
// Unknown entries, duplicates and CID mismatches are errors.
func Import(r io.Reader, cas storage.CAS) (*Index, error) {
	if cas == nil {
		return nil, errors.New("bundle: nil CAS")
	}
	tr := tar.NewReader(r)
	seen := map[string]bool{}
	var idx *Index
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := cleanTarPath(h.Name)
		if name == "" || h.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("bundle: unexpected entry %q", h.Name)
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}

		if name == indexName {
			idx = &Index{}
			if err := yaml.Unmarshal(payload, idx); err != nil {
				return nil, fmt.Errorf("bundle: index: %w", err)
			}
			if idx.Version != FormatVersion {
				return nil, fmt.Errorf("bundle: unsupported index version %d", idx.Version)
			}
			continue
		}
		s, ok := strings.CutPrefix(name, circlePrefix)
		if !ok {
			return nil, fmt.Errorf("bundle: unknown entry: %s", name)
		}
		id, err := cid.Decode(s)
		if err != nil || !id.Defined() {
			return nil, storage.ErrInvalidCID
		}
		if !cidutil.Matches(id, payload) {
			return nil, storage.ErrCIDMismatch
		}
		if seen[id.String()] {
			return nil, fmt.Errorf("bundle: duplicate entry: %s", id)
		}
		seen[id.String()] = true
		if _, err := cas.Put(payload); err != nil {
			return nil, err
		}
	}
	if idx == nil {
		return nil, errors.New("bundle: missing index")
	}
	for _, e := range idx.Entries {
		if !seen[e.CID] {
			return nil, fmt.Errorf("bundle: index names missing circle %s", e.CID)
		}
	}
	return idx, nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

// cleanTarPath returns "" for paths that are absolute or escape the archive.
func cleanTarPath(name string) string {
	name = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "./")
	if name == "" || strings.HasPrefix(name, "/") {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}
