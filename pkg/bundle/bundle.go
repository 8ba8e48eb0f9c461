// Package bundle implements the Trace Bundle Engine: the canonical
// container format, its content hashing, and its validation.
package bundle

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/deterministic-agent-lab/gate/pkg/canon"
	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// ManifestVersion is the fixed manifest version string.
const ManifestVersion = "deterministic-agent-lab/trace-bundle@1"

// ComponentFiles records the canonical relative path of each mandatory
// component.
type ComponentFiles struct {
	Env string `json:"env"`
	Clock string `json:"clock"`
	Network string `json:"network"`
	FsDiff string `json:"fsDiff"`
	Logs string `json:"logs"`
	Prompts string `json:"prompts"`
	Intents string `json:"intents"`
}

// Map returns the component-name -> relative-path pairs, keyed the same way
// as canon.ComponentOrder.
func (f ComponentFiles) Map() map[string]string {
	return map[string]string{
		"env": f.Env,
		"clock": f.Clock,
		"network": f.Network,
		"fsDiff": f.FsDiff,
		"logs": f.Logs,
		"prompts": f.Prompts,
		"intents": f.Intents,
	}
}

// defaultFiles is the canonical on-disk layout.
func defaultFiles() ComponentFiles {
	return ComponentFiles{
		Env: "env.json",
		Clock: "clock.json",
		Network: "network.har",
		FsDiff: "fs-diff",
		Logs: "logs",
		Prompts: "prompts",
		Intents: "intents.jsonl",
	}
}

// componentKind says whether a component is stored as a single file or a
// directory of files.
var componentKind = map[string]string{
	"env": "file",
	"clock": "file",
	"network": "file",
	"fsDiff": "dir",
	"logs": "dir",
	"prompts": "dir",
	"intents": "file",
}

// Manifest is manifest.json's schema.
type Manifest struct {
	Version string `json:"version"`
	CreatedAt string `json:"createdAt"`
	Description string `json:"description,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Files ComponentFiles `json:"files"`
	Hashes map[string]string `json:"hashes,omitempty"`
}

// Bundle is an opened or freshly created trace bundle rooted at Dir, the
// extracted directory holding its components.
type Bundle struct {
	Dir string
	Manifest Manifest
}

// Input is the set of raw component contents handed to Create.
type Input struct {
	Description string
	Metadata map[string]interface{}

	Env []byte
	Clock []byte
	Network []byte // HAR document
	Intents []byte // JSONL bytes, one intent record per line

	// FsDiff, Logs, Prompts map a component-relative path (e.g.
	// "diff/files/a.txt", "stdout.log", "0001.json") to its content.
	FsDiff map[string][]byte
	Logs map[string][]byte
	Prompts map[string][]byte
}

// Create writes in's components into dir using the canonical layout,
// computes per-component hashes, and writes manifest.json.
func Create(dir string, in Input, now time.Time) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeHTTPError, "create bundle dir", err)
	}

	files := defaultFiles()

	if err := writeFile(dir, files.Env, in.Env); err != nil {
		return nil, err
	}
	if err := writeFile(dir, files.Clock, in.Clock); err != nil {
		return nil, err
	}
	if err := writeFile(dir, files.Network, in.Network); err != nil {
		return nil, err
	}
	if err := writeFile(dir, files.Intents, in.Intents); err != nil {
		return nil, err
	}
	if err := writeTree(dir, files.FsDiff, in.FsDiff); err != nil {
		return nil, err
	}
	if err := writeTree(dir, files.Logs, in.Logs); err != nil {
		return nil, err
	}
	if err := writeTree(dir, files.Prompts, in.Prompts); err != nil {
		return nil, err
	}

	m := Manifest{
		Version: ManifestVersion,
		CreatedAt: now.UTC().Format(time.RFC3339),
		Description: in.Description,
		Metadata: in.Metadata,
		Files: files,
	}

	hashes, err := computeHashes(dir, files)
	if err != nil {
		return nil, err
	}
	m.Hashes = hashes

	manifestBytes, err := json.MarshalIndent(m, "", " ")
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeManifestMalformed, "marshal manifest", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeHTTPError, "write manifest", err)
	}

	return &Bundle{Dir: dir, Manifest: m}, nil
}

// Open parses manifest.json from dir and validates the bundle. There is no
// partial open: any validation failure returns a nil *Bundle.
func Open(dir string) (*Bundle, error) {
	path := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gateerr.New(gateerr.CodeManifestMissing, "manifest.json not found")
		}
		return nil, gateerr.Wrap(gateerr.CodeManifestMissing, "read manifest.json", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeManifestMalformed, "parse manifest.json", err)
	}

	b := &Bundle{Dir: dir, Manifest: m}
	if err := Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the manifest schema, the presence and kind of every
// component, and — if hashes are recorded — recomputes and compares every
// component hash.
func Validate(b *Bundle) error {
	raw, err := json.Marshal(b.Manifest)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeManifestMalformed, "remarshal manifest", err)
	}
	if err := validateSchema(raw); err != nil {
		return err
	}

	files := b.Manifest.Files.Map()
	for _, name := range canon.ComponentOrder() {
		rel, ok := files[name]
		if !ok || rel == "" {
			return gateerr.New(gateerr.CodeComponentMissing, name).WithDetails(map[string]any{"component": name})
		}
		full := filepath.Join(b.Dir, rel)
		info, err := os.Stat(full)
		if err != nil {
			return gateerr.Wrap(gateerr.CodeComponentMissing, name, err).WithDetails(map[string]any{"component": name})
		}
		wantDir := componentKind[name] == "dir"
		if info.IsDir() != wantDir {
			return gateerr.New(gateerr.CodeKindMismatch, name).WithDetails(map[string]any{"component": name})
		}
	}

	if len(b.Manifest.Hashes) == 0 {
		return nil
	}

	fresh, err := computeHashes(b.Dir, b.Manifest.Files)
	if err != nil {
		return err
	}
	for name, want := range b.Manifest.Hashes {
		got, ok := fresh[name]
		if !ok {
			continue
		}
		if got != want {
			return gateerr.New(gateerr.CodeHashMismatch, name).WithDetails(map[string]any{
				"component": name, "expected": want, "actual": got,
			})
		}
	}
	return nil
}

// Hash recomputes every component hash fresh from disk and returns the
// whole-bundle hash. Unlike Manifest.Hashes, which may be stale
// relative to Dir's current contents, Hash always reflects what's on disk.
func Hash(b *Bundle) (string, error) {
	fresh, err := computeHashes(b.Dir, b.Manifest.Files)
	if err != nil {
		return "", err
	}
	m := b.Manifest
	m.Hashes = fresh
	return canon.BundleHash(m, fresh)
}

func computeHashes(dir string, files ComponentFiles) (map[string]string, error) {
	kinds := files.Map()
	out := make(map[string]string, len(kinds))
	for name, rel := range kinds {
		full := filepath.Join(dir, rel)
		info, err := os.Stat(full)
		if err != nil {
			return nil, gateerr.Wrap(gateerr.CodeComponentMissing, name, err).WithDetails(map[string]any{"component": name})
		}
		if info.IsDir() {
			h, err := canon.HashDirFS(os.DirFS(dir), rel)
			if err != nil {
				return nil, gateerr.Wrap(gateerr.CodeComponentMissing, name, err)
			}
			out[name] = h
		} else {
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, gateerr.Wrap(gateerr.CodeComponentMissing, name, err)
			}
			out[name] = canon.HashFile(data)
		}
	}
	return out, nil
}

func writeFile(dir, rel string, data []byte) error {
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir component parent", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "write component file", err)
	}
	return nil
}

func writeTree(dir, rel string, files map[string][]byte) error {
	root := filepath.Join(dir, rel)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir component tree", err)
	}
	for relpath, content := range files {
		full := filepath.Join(root, filepath.FromSlash(relpath))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return gateerr.Wrap(gateerr.CodeHTTPError, "mkdir tree entry", err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return gateerr.Wrap(gateerr.CodeHTTPError, "write tree entry", err)
		}
	}
	return nil
}

// ReadTree loads every regular file under a component directory into a
// relpath -> content map, matching the shape Input expects — used by the
// Orchestrator's Plan to read back fsDiff/logs/prompts after Open.
func ReadTree(dir, rel string) (map[string][]byte, error) {
	root := filepath.Join(dir, rel)
	out := map[string][]byte{}
	err := fs.WalkDir(os.DirFS(dir), rel, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(dir, path))
		if err != nil {
			return err
		}
		relToComponent, err := filepath.Rel(rel, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(relToComponent)] = data
		return nil
	})
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeComponentMissing, "fsDiff", err)
	}
	_ = root
	return out, nil
}
