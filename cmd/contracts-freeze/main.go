// Copyright 2025 James Ross
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flyingrobots/cognitive-event-bus/internal/obs"
)

// contracts-freeze snapshots the schema directory's contents into a
// versioned, content-addressed record under contracts/_frozen, so a
// consumer can pin against a known-good set of topic schemas (§6). It
// never mutates the schema directory itself.

type frozenEntry struct {
	Topic  string `json:"topic"`
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

type freezeManifest struct {
	Version   string        `json:"version"`
	FrozenAt  time.Time     `json:"frozen_at"`
	SchemaDir string        `json:"schema_dir"`
	Entries   []frozenEntry `json:"entries"`
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	schemaDir := fs.String("schema-dir", "./schemas", "Directory of *.schema.json files to freeze")
	outDir := fs.String("out", "./contracts/_frozen", "Directory to write frozen manifests into")
	logLevel := fs.String("log-level", "info", "Logger level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	args := fs.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: contracts-freeze {create [version] | list}")
		os.Exit(1)
	}

	logger, err := obs.NewZapLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch args[0] {
	case "create":
		version := ""
		if len(args) > 1 {
			version = args[1]
		} else {
			version = time.Now().UTC().Format("20060102T150405Z")
		}
		if err := runCreate(*schemaDir, *outDir, version); err != nil {
			logger.Error("freeze failed", obs.Err(err))
			os.Exit(1)
		}
		logger.Info("froze contracts", obs.String("version", version))
	case "list":
		if err := runList(*outDir); err != nil {
			logger.Error("list failed", obs.Err(err))
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; usage: contracts-freeze {create [version] | list}\n", args[0])
		os.Exit(1)
	}
}

func runCreate(schemaDir, outDir, version string) error {
	entries, err := collectSchemas(schemaDir)
	if err != nil {
		return fmt.Errorf("collect schemas: %w", err)
	}

	manifest := freezeManifest{
		Version:   version,
		FrozenAt:  time.Now().UTC(),
		SchemaDir: schemaDir,
		Entries:   entries,
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", outDir, err)
	}

	shaIndex := make(map[string]string, len(entries))
	for _, e := range entries {
		shaIndex[e.File] = e.SHA256
	}

	if err := writeJSON(filepath.Join(outDir, fmt.Sprintf("freeze-%s.json", version)), manifest); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outDir, fmt.Sprintf("sha-index-%s.json", version)), shaIndex); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outDir, "freeze-latest.json"), manifest); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outDir, "sha-index-latest.json"), shaIndex); err != nil {
		return err
	}
	return nil
}

func runList(outDir string) error {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("(no frozen contracts yet)")
			return nil
		}
		return fmt.Errorf("read dir %q: %w", outDir, err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "freeze-") || strings.HasSuffix(name, "-latest.json") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v := strings.TrimSuffix(strings.TrimPrefix(name, "freeze-"), ".json")
		versions = append(versions, v)
	}
	sort.Strings(versions)
	for _, v := range versions {
		fmt.Println(v)
	}
	return nil
}

func collectSchemas(dir string) ([]frozenEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []frozenEntry
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".schema.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(raw)
		out = append(out, frozenEntry{
			Topic:  strings.TrimSuffix(entry.Name(), ".schema.json"),
			File:   entry.Name(),
			SHA256: hex.EncodeToString(sum[:]),
			Bytes:  len(raw),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func writeJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %q: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
