// Package brew defines the Homebrew package model shared by the catalog
// caches, the brew client and the upgrade orchestrator.
package brew

import "strings"

// Kind discriminates formulae from casks.
type Kind string

const (
	KindFormula Kind = "formula"
	KindCask    Kind = "cask"
)

// CaskPrefix marks cask IDs; formula IDs are bare names.
const CaskPrefix = "cask:"

// ID returns the package ID for name of the given kind.
func ID(kind Kind, name string) string {
	if kind == KindCask {
		return CaskPrefix + name
	}
	return name
}

// ParseID splits a package ID into its name and kind.
func ParseID(id string) (string, Kind) {
	if strings.HasPrefix(id, CaskPrefix) {
		return strings.TrimPrefix(id, CaskPrefix), KindCask
	}
	return id, KindFormula
}

// Formula is the allow-listed subset of a formulae.brew.sh formula record.
// Fields absent here are dropped while streaming the catalog.
type Formula struct {
	Name              string             `json:"name"`
	FullName          string             `json:"full_name"`
	Tap               string             `json:"tap"`
	Aliases           []string           `json:"aliases,omitempty"`
	Desc              string             `json:"desc"`
	License           string             `json:"license,omitempty"`
	Homepage          string             `json:"homepage"`
	Versions          FormulaVersions    `json:"versions"`
	Revision          int                `json:"revision,omitempty"`
	KegOnly           bool               `json:"keg_only,omitempty"`
	Dependencies      []string           `json:"dependencies,omitempty"`
	ConflictsWith     []string           `json:"conflicts_with,omitempty"`
	Caveats           *string            `json:"caveats,omitempty"`
	Installed         []InstalledVersion `json:"installed,omitempty"`
	Pinned            bool               `json:"pinned,omitempty"`
	Outdated          bool               `json:"outdated,omitempty"`
	Deprecated        bool               `json:"deprecated,omitempty"`
	DeprecationReason *string            `json:"deprecation_reason,omitempty"`
	Disabled          bool               `json:"disabled,omitempty"`
	DisableReason     *string            `json:"disable_reason,omitempty"`
}

type FormulaVersions struct {
	Stable string `json:"stable"`
	Head   string `json:"head,omitempty"`
	Bottle bool   `json:"bottle"`
}

type InstalledVersion struct {
	Version               string `json:"version"`
	InstalledOnRequest    bool   `json:"installed_on_request"`
	InstalledAsDependency bool   `json:"installed_as_dependency"`
}

// Cask is the allow-listed subset of a formulae.brew.sh cask record.
type Cask struct {
	Token             string   `json:"token"`
	FullToken         string   `json:"full_token"`
	OldTokens         []string `json:"old_tokens,omitempty"`
	Tap               string   `json:"tap"`
	Name              []string `json:"name"`
	Desc              string   `json:"desc"`
	Homepage          string   `json:"homepage"`
	URL               string   `json:"url"`
	Version           string   `json:"version"`
	Installed         *string  `json:"installed,omitempty"`
	AutoUpdates       bool     `json:"auto_updates,omitempty"`
	Outdated          bool     `json:"outdated,omitempty"`
	Deprecated        bool     `json:"deprecated,omitempty"`
	DeprecationReason *string  `json:"deprecation_reason,omitempty"`
	Disabled          bool     `json:"disabled,omitempty"`
	DisableReason     *string  `json:"disable_reason,omitempty"`
}

// Package is a formula or a cask. Exactly one of Formula and Cask is set,
// matching Kind; build values with NewFormula or NewCask.
type Package struct {
	Kind    Kind     `json:"kind"`
	Formula *Formula `json:"formula,omitempty"`
	Cask    *Cask    `json:"cask,omitempty"`
}

func NewFormula(f Formula) Package {
	return Package{Kind: KindFormula, Formula: &f}
}

func NewCask(c Cask) Package {
	return Package{Kind: KindCask, Cask: &c}
}

// Name is the formula name or cask token.
func (p Package) Name() string {
	if p.Kind == KindCask {
		return p.Cask.Token
	}
	return p.Formula.Name
}

// ID is the package ID used by the brew client and batch steps.
func (p Package) ID() string {
	return ID(p.Kind, p.Name())
}

// DisplayName prefers a cask's human-readable name.
func (p Package) DisplayName() string {
	if p.Kind == KindCask && len(p.Cask.Name) > 0 && p.Cask.Name[0] != "" {
		return p.Cask.Name[0]
	}
	return p.Name()
}

func (p Package) Desc() string {
	if p.Kind == KindCask {
		return p.Cask.Desc
	}
	return p.Formula.Desc
}

func (p Package) Homepage() string {
	if p.Kind == KindCask {
		return p.Cask.Homepage
	}
	return p.Formula.Homepage
}

// Version is the latest available version.
func (p Package) Version() string {
	if p.Kind == KindCask {
		return p.Cask.Version
	}
	return p.Formula.Versions.Stable
}

// InstalledVersion is the installed version, or "" when not installed.
func (p Package) InstalledVersion() string {
	if p.Kind == KindCask {
		if p.Cask.Installed == nil {
			return ""
		}
		return *p.Cask.Installed
	}
	if n := len(p.Formula.Installed); n > 0 {
		return p.Formula.Installed[n-1].Version
	}
	return ""
}

func (p Package) Outdated() bool {
	if p.Kind == KindCask {
		return p.Cask.Outdated
	}
	return p.Formula.Outdated
}

func (p Package) Disabled() bool {
	if p.Kind == KindCask {
		return p.Cask.Disabled
	}
	return p.Formula.Disabled
}

// Matches reports whether query (case-insensitive) occurs in the name,
// display name or description.
func (p Package) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{p.Name(), p.DisplayName(), p.Desc()} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}
