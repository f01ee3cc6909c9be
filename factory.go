package dirvault

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// DriverParams carries everything a directory driver needs at construction.
type DriverParams struct {
	// Root is the absolute tree root.
	Root string

	// Version is the config format version the tree was initialized with.
	Version string

	// Exclude are compiled full-match patterns over entry basenames.
	Exclude []*regexp.Regexp

	// Config is the directory's parsed config file.
	Config *DirConfig

	// Key is the unwrapped master key. Crypt directories only.
	Key []byte

	// ChunkSize is the body frame granularity for newly written
	// ciphertexts. Crypt directories only; 0 selects the default.
	ChunkSize uint32
}

// DriverFactory builds a directory access from its params.
type DriverFactory func(p *DriverParams) (Dir, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory under a directory type.
func RegisterDriver(name string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[name] = factory
}

// CreateDriver builds a driver instance by directory type.
func CreateDriver(name string, p *DriverParams) (Dir, error) {
	factoryMutex.RLock()
	factory, exists := driverFactories[name]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("driver %s not registered", name)
	}
	return factory(p)
}

// OpenOptions configure OpenDir.
type OpenOptions struct {
	// Password supplies the passphrase for encrypted directories on
	// demand. Only called when the directory turns out to be encrypted.
	Password func() ([]byte, error)

	// TestKey bypasses config loading and the KDF, opening the directory
	// as encrypted under the given master key. Testing only.
	TestKey []byte

	// ChunkSize overrides the body frame granularity. 0 selects the
	// default.
	ChunkSize uint32
}

// OpenDir inspects the config file at dirPath and constructs the matching
// directory access. For encrypted directories the master key is unwrapped
// with the supplied password; a wrong password surfaces as an authenticity
// error before any enumeration happens.
func OpenDir(dirPath string, opts OpenOptions) (Dir, error) {
	abs, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return nil, NewConfigError(dirPath + " does not exist or is not a directory").
			WithCause(ErrConfig)
	}

	if opts.TestKey != nil {
		return CreateDriver(DirTypeCrypt, &DriverParams{
			Root:      abs,
			Version:   Version,
			Config:    &DirConfig{DirType: DirTypeCrypt, Version: Version},
			Key:       opts.TestKey,
			ChunkSize: opts.ChunkSize,
		})
	}

	cfg, err := LoadDirConfig(abs)
	if err != nil {
		return nil, err
	}
	excludes, err := cfg.CompiledExcludes()
	if err != nil {
		return nil, err
	}
	params := &DriverParams{
		Root:      abs,
		Version:   cfg.Version,
		Exclude:   excludes,
		Config:    cfg,
		ChunkSize: opts.ChunkSize,
	}
	if cfg.DirType == DirTypeCrypt {
		if opts.Password == nil {
			return nil, NewConfigError("encrypted directory needs a password").WithCause(ErrConfig)
		}
		password, err := opts.Password()
		if err != nil {
			return nil, err
		}
		key, err := cfg.UnwrapMasterKey(password)
		Zero(password)
		if err != nil {
			return nil, err
		}
		params.Key = key
	}
	return CreateDriver(cfg.DirType, params)
}
