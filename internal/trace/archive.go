package trace

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/safetensors"
)

// FormatVersion is written to the archive's version entry.
const FormatVersion = "1"

const (
	versionEntry    = "version"
	graphEntry      = "trace.yaml"
	attributesEntry = "attributes.safetensors"
)

// archiveTime keeps archives byte-identical across runs.
var archiveTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// Save writes t as an uncompressed zip whose entries live under a
// directory named after the trace: <name>/version, <name>/trace.yaml and
// <name>/attributes.safetensors.
func Save(p string, t *Trace) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}

	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("trace: write %s: %w", p, err)
	}

	return nil
}

// Encode returns the archive bytes for t.
func Encode(t *Trace) ([]byte, error) {
	graph, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("trace: encode graph: %w", err)
	}

	attrs := make([]safetensors.Tensor, 0, len(t.Attributes))
	for name, w := range t.Attributes {
		attrs = append(attrs, safetensors.Tensor{Name: name, Shape: w.Shape(), Data: w.RawData()})
	}

	weights, err := safetensors.EncodeTensors(attrs, safetensors.EncodeOptions{})
	if err != nil {
		return nil, fmt.Errorf("trace: encode attributes: %w", err)
	}

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, e := range []struct {
		name string
		data []byte
	}{
		{versionEntry, []byte(FormatVersion + "\n")},
		{graphEntry, graph},
		{attributesEntry, weights},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     path.Join(t.Name, e.name),
			Method:   zip.Store,
			Modified: archiveTime,
		})
		if err != nil {
			return nil, fmt.Errorf("trace: create %s: %w", e.name, err)
		}

		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("trace: write %s: %w", e.name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("trace: finish archive: %w", err)
	}

	return buf.Bytes(), nil
}

// Load reads an archive written by Save and re-validates the graph.
func Load(p string) (*Trace, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("trace: read %s: %w", p, err)
	}

	return Decode(data)
}

// Decode parses archive bytes. Entries are located by base name so the
// archive directory does not have to match the trace name.
func Decode(data []byte) (*Trace, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("trace: open archive: %w", err)
	}

	entries := map[string][]byte{}

	for _, f := range zr.File {
		base := path.Base(f.Name)
		if base != versionEntry && base != graphEntry && base != attributesEntry {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("trace: open %s: %w", f.Name, err)
		}

		b, err := io.ReadAll(rc)
		rc.Close()

		if err != nil {
			return nil, fmt.Errorf("trace: read %s: %w", f.Name, err)
		}

		entries[base] = b
	}

	for _, name := range []string{versionEntry, graphEntry, attributesEntry} {
		if _, ok := entries[name]; !ok {
			return nil, fmt.Errorf("trace: archive has no %s entry", name)
		}
	}

	if v := strings.TrimSpace(string(entries[versionEntry])); v != FormatVersion {
		return nil, fmt.Errorf("trace: unsupported format version %q", v)
	}

	var t Trace

	dec := yaml.NewDecoder(bytes.NewReader(entries[graphEntry]))
	dec.KnownFields(true)

	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("trace: decode graph: %w", err)
	}

	store, err := safetensors.OpenStoreFromBytes(entries[attributesEntry])
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	all, err := store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	t.Attributes = make(map[string]*tensor.Tensor, len(all))

	for name, w := range all {
		x, err := tensor.New(w.Data, w.Shape)
		if err != nil {
			return nil, fmt.Errorf("trace: attribute %s: %w", name, err)
		}

		t.Attributes[name] = x
	}

	if err := t.infer(); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	return &t, nil
}
