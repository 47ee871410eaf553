// Package config implements layered configuration loading for the engine,
// following the reference build tool's own config layering
// (machine → repo → arch → local, each overriding the last).
package config

import (
	"crypto/sha1"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/please-build/gcfg"
)

// MachineConfigFileName overrides settings for a particular machine, e.g. a
// build server with different caching behaviour than a developer laptop.
const MachineConfigFileName = "/etc/arborconfig"

// RepoConfigFileName is the normal, checked-in repo configuration.
const RepoConfigFileName = ".arborconfig"

// ArchConfigFileName overrides the repo config for a particular OS/arch
// combination, also normally checked in when needed.
var ArchConfigFileName = fmt.Sprintf(".arborconfig_%s_%s", runtime.GOOS, runtime.GOARCH)

// LocalConfigFileName is not normally checked in; it overrides settings for
// the local checkout only.
const LocalConfigFileName = ".arborconfig.local"

// BuildMode selects how deeply the engine materializes intermediate
// artifacts (§6 Configuration, §4.9 Build modes).
type BuildMode int

const (
	// Shallow builds only the transitive closure needed to materialize
	// top-level requested outputs.
	Shallow BuildMode = iota
	// Deep forces every transitive rule through the full state machine.
	Deep
	// PopulateFromRemoteCache restricts the engine to cache lookups only;
	// step 5 (local build) is replaced by a PopulateOnlyDisabledLocal
	// failure.
	PopulateFromRemoteCache
)

func (m BuildMode) String() string {
	switch m {
	case Shallow:
		return "shallow"
	case Deep:
		return "deep"
	case PopulateFromRemoteCache:
		return "populate_from_remote_cache"
	default:
		return "unknown"
	}
}

// DepFileMode selects how aggressively the engine uses dep-file based
// caching (§6 Configuration).
type DepFileMode int

const (
	// DepFilesDisabled never computes or checks dep-file rule keys.
	DepFilesDisabled DepFileMode = iota
	// DepFilesEnabled computes and checks dep-file rule keys but does not
	// maintain a manifest store.
	DepFilesEnabled
	// DepFilesCache additionally maintains the manifest store for
	// manifest-based caching.
	DepFilesCache
)

// Configuration holds every tunable the engine and its supporting
// infrastructure recognize, loaded by layering the files above.
type Configuration struct {
	Build struct {
		KeepGoing            bool
		RuleKeyCaching       bool
		KeySeed              int64
		DepFiles             string // parsed into DepFileMode by Parse()
		MaxDepFileCacheEntries int
		ArtifactCacheSizeLimit int64 // bytes; 0 means unlimited
		MaxInputKeyBytes     int   // bytes; 0 means unlimited (input-based rule key size cap)
		Mode                 string // parsed into BuildMode by Parse()
		NumWorkers           int
		ResourceAware        bool
		FairScheduling       bool
		ResourceScale        float64
	}
	Cache struct {
		Dir                   string
		DirCacheCleaner       bool
		DirCacheHighWaterMark string
		DirCacheLowWaterMark  string
		RemoteAddr            string
		RemoteTimeout         int
		RemoteSecure          bool
	}
	Metrics struct {
		PushGatewayURL string
		PushFrequency  int // seconds
		PushTimeout    int // seconds
	}
}

// Parsed holds the typed forms of the string-valued config options, derived
// once after loading.
type Parsed struct {
	BuildMode   BuildMode
	DepFileMode DepFileMode
}

// Parse converts the string-valued config options into their typed forms,
// returning an error if they're not recognized.
func (c *Configuration) Parse() (Parsed, error) {
	var p Parsed
	switch strings.ToLower(c.Build.Mode) {
	case "", "shallow":
		p.BuildMode = Shallow
	case "deep":
		p.BuildMode = Deep
	case "populatefromremotecache", "populate_from_remote_cache":
		p.BuildMode = PopulateFromRemoteCache
	default:
		return p, fmt.Errorf("unknown build mode %q", c.Build.Mode)
	}
	switch strings.ToLower(c.Build.DepFiles) {
	case "", "disabled":
		p.DepFileMode = DepFilesDisabled
	case "enabled":
		p.DepFileMode = DepFilesEnabled
	case "cache":
		p.DepFileMode = DepFilesCache
	default:
		return p, fmt.Errorf("unknown dep-files mode %q", c.Build.DepFiles)
	}
	return p, nil
}

// Default returns a Configuration populated with the engine's defaults,
// mirroring the reference tool's DefaultConfiguration.
func Default() *Configuration {
	c := &Configuration{}
	c.Build.KeepGoing = false
	c.Build.RuleKeyCaching = true
	c.Build.KeySeed = 0
	c.Build.DepFiles = "cache"
	c.Build.MaxDepFileCacheEntries = 1000
	c.Build.Mode = "shallow"
	c.Build.ResourceAware = true
	c.Build.FairScheduling = true
	c.Build.ResourceScale = 1.0
	c.Cache.Dir = ".arbor-cache"
	c.Cache.DirCacheCleaner = true
	c.Cache.DirCacheHighWaterMark = "10G"
	c.Cache.DirCacheLowWaterMark = "8G"
	c.Cache.RemoteTimeout = 5
	return c
}

func readFile(c *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(c, filename); err != nil && os.IsNotExist(err) {
		return nil // not having the file at all is fine
	} else if err != nil {
		return err
	}
	return nil
}

// ReadFiles loads configuration by layering the given files in order over
// the defaults, exactly as the reference tool's ReadConfigFiles does.
func ReadFiles(filenames []string) (*Configuration, error) {
	c := Default()
	for _, filename := range filenames {
		if err := readFile(c, filename); err != nil {
			return c, fmt.Errorf("reading config from %s: %w", filename, err)
		}
	}
	return c, nil
}

// StandardFiles returns the standard layering of config file paths rooted
// at repoRoot: machine, repo, arch, local — in the order ReadFiles expects.
func StandardFiles(repoRoot string) []string {
	return []string{
		MachineConfigFileName,
		repoRoot + "/" + RepoConfigFileName,
		repoRoot + "/" + ArchConfigFileName,
		repoRoot + "/" + LocalConfigFileName,
	}
}

// Hash returns a hash of the subset of configuration fields that affect
// rule-key identity (§4.2: "a process-wide key-seed integer is folded into
// every key"). The rule-key factory does not consume this hash: it folds in
// Build.KeySeed directly, so a change to the other fields hashed here does
// not by itself change any rule key.
func (c *Configuration) Hash() []byte {
	h := sha1.New()
	fmt.Fprintf(h, "%d", c.Build.KeySeed)
	fmt.Fprintf(h, "%s", c.Build.DepFiles)
	fmt.Fprintf(h, "%d", c.Build.MaxDepFileCacheEntries)
	return h.Sum(nil)
}

// ApplyOverrides applies "section.field=value" overrides on top of an
// already-loaded Configuration, the same dot-notation reflection-based
// mechanism the reference tool exposes via its -o CLI flag.
func (c *Configuration) ApplyOverrides(overrides map[string]string) error {
	match := func(target string) func(string) bool {
		return func(candidate string) bool { return strings.EqualFold(candidate, target) }
	}
	elem := reflect.ValueOf(c).Elem()
	for k, v := range overrides {
		parts := strings.SplitN(k, ".", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad option format: %s", k)
		}
		section := elem.FieldByNameFunc(match(parts[0]))
		if !section.IsValid() || section.Kind() != reflect.Struct {
			return fmt.Errorf("unknown config section: %s", parts[0])
		}
		field := section.FieldByNameFunc(match(parts[1]))
		if !field.IsValid() {
			return fmt.Errorf("unknown config field: %s", parts[1])
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(v)
		case reflect.Bool:
			lv := strings.ToLower(v)
			field.SetBool(lv == "true" || lv == "yes" || lv == "on" || lv == "1")
		case reflect.Int, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for integer field %s: %s", k, v)
			}
			field.SetInt(i)
		default:
			return fmt.Errorf("can't override config field %s", k)
		}
	}
	return nil
}
