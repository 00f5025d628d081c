// Package source reads compliance rule partitions from files, the binary's
// embedded seed data, or the repository.
package source

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"gopkg.in/yaml.v3"
)

//go:embed data
var embeddedData embed.FS

// Partition file names, without extension. Each may be .yaml, .yml or .json.
const (
	centralFile   = "central"
	platformsFile = "platforms"
	derivedFile   = "derived"
	regionsDir    = "regions"
)

var extensions = []string{".yaml", ".yml", ".json"}

// FS loads partitions from a file tree:
//
//	central.yaml          required
//	platforms.yaml        required
//	derived.yaml          optional
//	regions/<CODE>.yaml   optional, one file per region
type FS struct {
	fsys fs.FS
	name string
}

// NewFS creates a source over fsys. name is used in log and error messages.
func NewFS(fsys fs.FS, name string) *FS {
	return &FS{fsys: fsys, name: name}
}

// Dir creates a source over a directory on disk.
func Dir(dir string) *FS {
	return NewFS(os.DirFS(dir), dir)
}

// Embedded creates a source over the seed data compiled into the binary.
func Embedded() *FS {
	sub, err := fs.Sub(embeddedData, "data")
	if err != nil {
		// embed guarantees the directory exists
		panic(err)
	}
	return NewFS(sub, "embedded")
}

// Name returns the source description.
func (s *FS) Name() string { return s.name }

type ruleDoc struct {
	Region string                   `json:"region"`
	Rules  []*domain.ComplianceRule `json:"rules"`
}

type platformDoc struct {
	Platforms []*domain.PlatformRequirement `json:"platforms"`
}

type derivedDoc struct {
	Attributes []*domain.DerivedAttribute `json:"attributes"`
}

// Load reads every partition. A missing or malformed required file fails
// the whole load with a *rules.LoadError naming the partition.
func (s *FS) Load(ctx context.Context) (*domain.Partitions, error) {
	p := &domain.Partitions{Regions: make(map[string][]*domain.ComplianceRule)}

	var central ruleDoc
	if err := s.readRequired(centralFile, "central", &central); err != nil {
		return nil, err
	}
	p.Central = central.Rules

	var platforms platformDoc
	if err := s.readRequired(platformsFile, "platforms", &platforms); err != nil {
		return nil, err
	}
	p.Platforms = platforms.Platforms

	var derived derivedDoc
	found, err := s.readOptional(derivedFile, "derived", &derived)
	if err != nil {
		return nil, err
	}
	if found {
		p.Derived = derived.Attributes
	}

	if err := ctx.Err(); err != nil {
		return nil, &rules.LoadError{Err: err}
	}

	if err := s.readRegions(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *FS) readRegions(p *domain.Partitions) error {
	entries, err := fs.ReadDir(s.fsys, regionsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &rules.LoadError{Partition: regionsDir, Err: err}
	}

	for _, e := range entries {
		if e.IsDir() || !hasKnownExtension(e.Name()) {
			continue
		}
		file := path.Join(regionsDir, e.Name())
		data, err := fs.ReadFile(s.fsys, file)
		if err != nil {
			return &rules.LoadError{Partition: file, Err: err}
		}

		var doc ruleDoc
		if err := decode(data, "region", &doc); err != nil {
			return &rules.LoadError{Partition: file, Err: err}
		}

		code := doc.Region
		if code == "" {
			code = strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		}
		code = domain.NormalizeRegion(code)
		for _, r := range doc.Rules {
			if r != nil && r.Region == "" {
				r.Region = code
			}
		}
		p.Regions[code] = append(p.Regions[code], doc.Rules...)
	}
	return nil
}

func (s *FS) readRequired(base, kind string, out any) error {
	found, err := s.readOptional(base, kind, out)
	if err != nil {
		return err
	}
	if !found {
		return &rules.LoadError{Partition: base, Err: fmt.Errorf("%s: %w", s.name, fs.ErrNotExist)}
	}
	return nil
}

func (s *FS) readOptional(base, kind string, out any) (bool, error) {
	for _, ext := range extensions {
		data, err := fs.ReadFile(s.fsys, base+ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, &rules.LoadError{Partition: base, Err: err}
		}
		if err := decode(data, kind, out); err != nil {
			return false, &rules.LoadError{Partition: base + ext, Err: err}
		}
		return true, nil
	}
	return false, nil
}

func hasKnownExtension(name string) bool {
	ext := path.Ext(name)
	for _, known := range extensions {
		if ext == known {
			return true
		}
	}
	return false
}

// decode parses YAML (a superset of JSON), checks it against the partition
// schema and decodes it into out. The document goes through JSON so that
// YAML-only scalars such as timestamps end up as plain strings and numbers
// decode the same way regardless of the file format.
func decode(data []byte, kind string, out any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("parse: empty document")
	}

	canonical, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	schema, err := partitionSchema(kind)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	if err := json.Unmarshal(canonical, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Repository loads partitions previously seeded into the database.
type Repository struct {
	repo domain.Repository
}

// FromRepository creates a source backed by repo.
func FromRepository(repo domain.Repository) *Repository {
	return &Repository{repo: repo}
}

// Load reads all partitions from the repository.
func (s *Repository) Load(ctx context.Context) (*domain.Partitions, error) {
	p, err := s.repo.LoadPartitions(ctx)
	if err != nil {
		return nil, &rules.LoadError{Partition: "database", Err: err}
	}
	return p, nil
}

// Seed copies every partition from src into repo, replacing what was there.
func Seed(ctx context.Context, src rules.Source, repo domain.Repository) (*domain.Partitions, error) {
	p, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := repo.ReplacePartitions(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to seed partitions: %w", err)
	}
	return p, nil
}
