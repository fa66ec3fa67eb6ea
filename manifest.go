// Package riscvoscore holds the module-root glue that doesn't belong to any
// single kernel subsystem: today, decoding the embedded read-only file set.
package riscvoscore

import (
	"encoding/base64"
	_ "embed"
	"fmt"

	"github.com/tinyrange/riscv-os-core/internal/kernel/ramfs"
	"gopkg.in/yaml.v3"
)

//go:embed testdata/ramfs_manifest.yaml
var manifestYAML []byte

type manifestEntry struct {
	Name          string `yaml:"name"`
	ContentBase64 string `yaml:"content_base64"`
}

// LoadRecords decodes the embedded ramfs manifest into the read-only record
// set boot step 6 copies into the writable filesystem.
func LoadRecords() ([]ramfs.Record, error) {
	var entries []manifestEntry
	if err := yaml.Unmarshal(manifestYAML, &entries); err != nil {
		return nil, fmt.Errorf("riscvoscore: decoding ramfs manifest: %w", err)
	}
	records := make([]ramfs.Record, 0, len(entries))
	for _, e := range entries {
		data, err := base64.StdEncoding.DecodeString(e.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("riscvoscore: decoding %q content: %w", e.Name, err)
		}
		records = append(records, ramfs.Record{Name: e.Name, Data: data})
	}
	return records, nil
}
