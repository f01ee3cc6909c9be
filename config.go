package dirvault

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gobeaver/beaver-kit/config"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// Version is bound into every wrapped master key and checked on unwrap.
const Version = "0.5.0"

// ConfigFilename is the per-directory config file, always excluded from
// sync.
const ConfigFilename = ".dirvault.json"

// KeyBytes is the master key size.
const KeyBytes = 32

// Argon2i parameters matching libsodium's moderate limits. KDFMemLimit is
// in bytes, as persisted in the config file.
const (
	KDFOpsLimit uint32 = 3
	KDFMemLimit uint64 = 256 * 1024 * 1024
	kdfSaltLen         = 16
	boxNonceLen        = 24
)

// Defaults for the reserved subdirectories of an encrypted root. They hold
// ciphertext shards and the metadata sidecar and are disjoint from logical
// paths by construction, since the encrypted root contains no logical
// paths.
const (
	DefaultDataDir = "data"
	DefaultMetaDir = "meta"
)

// ============================================================================
// Environment defaults
// ============================================================================

// EnvConfig carries process-level defaults loaded from the environment.
type EnvConfig struct {
	// Chunk size for body frames of newly encrypted files, in bytes.
	ChunkSize int `env:"DIRVAULT_CHUNK_SIZE,default:4096"`

	// Non-interactive password. When set, the CLI never prompts.
	Password string `env:"DIRVAULT_PASSWORD"`

	// Logging level (trace, debug, info, warn, error).
	LogLevel string `env:"DIRVAULT_LOG_LEVEL,default:info"`

	// Settle window for watch mode, in milliseconds.
	SettleMillis int `env:"DIRVAULT_SETTLE_MS,default:200"`
}

// LoadEnvConfig returns defaults loaded from the environment.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// Per-directory config
// ============================================================================

// DirConfig is the JSON document at the root of every managed directory.
// For encrypted directories it also carries the KDF parameters and the
// wrapped master key; the master key itself never touches disk in the
// clear.
type DirConfig struct {
	DirType string   `json:"dir_type"`
	Version string   `json:"version"`
	Exclude []string `json:"exclude"`

	// Crypt directories only.
	KDFOpsLimit uint32 `json:"kdf_opslimit,omitempty"`
	KDFMemLimit uint64 `json:"kdf_memlimit,omitempty"`
	KDFSalt     string `json:"kdf_salt,omitempty"`
	WrappedKey  string `json:"wrapped_master_key,omitempty"`
	DataDir     string `json:"data_dir,omitempty"`
	MetaDir     string `json:"meta_dir,omitempty"`
}

// MakePlainConfig builds the config for an unencrypted directory.
func MakePlainConfig(exclude []string) *DirConfig {
	return &DirConfig{
		DirType: DirTypePlain,
		Version: Version,
		Exclude: exclude,
	}
}

// MakeCryptConfig builds the config for an encrypted directory: a fresh
// random master key wrapped under the password.
func MakeCryptConfig(exclude []string, password []byte) (*DirConfig, error) {
	masterKey := make([]byte, KeyBytes)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, err
	}
	defer Zero(masterKey)
	cfg := &DirConfig{
		DirType: DirTypeCrypt,
		Version: Version,
		Exclude: exclude,
		DataDir: DefaultDataDir,
		MetaDir: DefaultMetaDir,
	}
	if err := cfg.WrapMasterKey(password, masterKey); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WrapMasterKey wraps masterKey under password with a fresh salt and
// records the KDF parameters. The package version travels inside the
// authenticated envelope as a plaintext suffix, so a mismatched config
// cannot go unnoticed.
func (c *DirConfig) WrapMasterKey(password, masterKey []byte) error {
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	wrapping := deriveWrappingKey(password, salt, KDFOpsLimit, KDFMemLimit)
	defer Zero(wrapping[:])

	var nonce [boxNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	payload := make([]byte, 0, KeyBytes+len(c.Version))
	payload = append(payload, masterKey...)
	payload = append(payload, c.Version...)
	sealed := secretbox.Seal(nonce[:], payload, &nonce, wrapping)
	Zero(payload)

	c.KDFOpsLimit = KDFOpsLimit
	c.KDFMemLimit = KDFMemLimit
	c.KDFSalt = hex.EncodeToString(salt)
	c.WrappedKey = hex.EncodeToString(sealed)
	return nil
}

// UnwrapMasterKey recovers the master key using password. A wrong
// password, a tampered envelope, or a version that does not match the
// config all fail as authenticity errors.
func (c *DirConfig) UnwrapMasterKey(password []byte) ([]byte, error) {
	salt, err := hex.DecodeString(c.KDFSalt)
	if err != nil {
		return nil, NewConfigError("malformed kdf_salt").WithCause(ErrConfig)
	}
	sealed, err := hex.DecodeString(c.WrappedKey)
	if err != nil {
		return nil, NewConfigError("malformed wrapped_master_key").WithCause(ErrConfig)
	}
	if len(sealed) < boxNonceLen+KeyBytes+secretbox.Overhead {
		return nil, NewConfigError("wrapped_master_key too short").WithCause(ErrConfig)
	}
	if c.KDFOpsLimit == 0 || c.KDFMemLimit < 8*1024 {
		return nil, NewConfigError("missing or degenerate kdf parameters").WithCause(ErrConfig)
	}
	wrapping := deriveWrappingKey(password, salt, c.KDFOpsLimit, c.KDFMemLimit)
	defer Zero(wrapping[:])

	var nonce [boxNonceLen]byte
	copy(nonce[:], sealed[:boxNonceLen])
	payload, ok := secretbox.Open(nil, sealed[boxNonceLen:], &nonce, wrapping)
	if !ok {
		return nil, NewAuthenticityError("master key unwrap failed: wrong password or corrupted config").
			WithCause(ErrAuthenticity)
	}
	masterKey := payload[:KeyBytes]
	version := string(payload[KeyBytes:])
	if version != c.Version {
		Zero(masterKey)
		return nil, NewAuthenticityError("config version check failed").WithCause(ErrAuthenticity)
	}
	return masterKey, nil
}

func deriveWrappingKey(password, salt []byte, opsLimit uint32, memLimit uint64) *[KeyBytes]byte {
	// argon2.Key is Argon2i; memory is taken in KiB.
	raw := argon2.Key(password, salt, opsLimit, uint32(memLimit/1024), 1, KeyBytes)
	var key [KeyBytes]byte
	copy(key[:], raw)
	Zero(raw)
	return &key
}

// Zero wipes b. Master keys are held in memory only for the duration of a
// run and wiped at scope exit.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ============================================================================
// Config persistence
// ============================================================================

// LoadDirConfig reads the config file under dirPath. A missing file yields
// a plaintext config with no exclusions, so unmanaged directories behave as
// plain trees; a malformed file or unknown directory type is a config
// error.
func LoadDirConfig(dirPath string) (*DirConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dirPath, ConfigFilename))
	if os.IsNotExist(err) {
		return &DirConfig{DirType: DirTypePlain, Version: "0.0.0"}, nil
	}
	if err != nil {
		return nil, NewConfigError("cannot read config").WithPath(dirPath).WithCause(err)
	}
	cfg := &DirConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, NewConfigError("malformed config").WithPath(dirPath).
			WithCause(ErrConfig)
	}
	switch cfg.DirType {
	case DirTypePlain, DirTypeCrypt:
	default:
		return nil, NewConfigError(cfg.DirType + " is not a supported directory type").
			WithPath(dirPath).WithCause(ErrConfig)
	}
	return cfg, nil
}

// Write persists the config under dirPath, replacing any previous file.
func (c *DirConfig) Write(dirPath string) error {
	raw, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	target := filepath.Join(dirPath, ConfigFilename)
	tmp, err := os.CreateTemp(dirPath, ".dirvault-cfg-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// InitConfig writes a fresh config into dirPath. Without overwrite an
// existing config is an error. The password is only consulted for crypt
// directories.
func InitConfig(dirType, dirPath string, exclude []string, password []byte, overwrite bool) error {
	st, err := os.Stat(dirPath)
	if err != nil || !st.IsDir() {
		return NewConfigError(dirPath + " does not exist or is not a directory").WithCause(ErrConfig)
	}
	if _, err := os.Stat(filepath.Join(dirPath, ConfigFilename)); err == nil && !overwrite {
		return NewConfigError(ConfigFilename + " already exists in " + dirPath).WithCause(ErrConfig)
	}

	var cfg *DirConfig
	switch dirType {
	case DirTypePlain:
		cfg = MakePlainConfig(exclude)
	case DirTypeCrypt:
		cfg, err = MakeCryptConfig(exclude, password)
		if err != nil {
			return err
		}
	default:
		return NewConfigError(dirType + " is not a supported directory type").WithCause(ErrConfig)
	}
	return cfg.Write(dirPath)
}

// ChangePassword rewraps the master key of an encrypted directory under a
// new password with a fresh salt. The master key itself does not change, so
// existing ciphertexts stay valid.
func ChangePassword(dirPath string, oldPassword, newPassword []byte) error {
	cfg, err := LoadDirConfig(dirPath)
	if err != nil {
		return err
	}
	if cfg.DirType != DirTypeCrypt {
		return NewConfigError(dirPath + " is not an encrypted directory").WithCause(ErrConfig)
	}
	masterKey, err := cfg.UnwrapMasterKey(oldPassword)
	if err != nil {
		return err
	}
	defer Zero(masterKey)
	if err := cfg.WrapMasterKey(newPassword, masterKey); err != nil {
		return err
	}
	return cfg.Write(dirPath)
}

// CompiledExcludes compiles the exclusion patterns as full-match regular
// expressions over entry basenames. The config file itself is always
// excluded.
func (c *DirConfig) CompiledExcludes() ([]*regexp.Regexp, error) {
	pats := append([]string{regexp.QuoteMeta(ConfigFilename)}, c.Exclude...)
	out := make([]*regexp.Regexp, 0, len(pats))
	seen := make(map[string]bool)
	for _, pat := range pats {
		if seen[pat] {
			continue
		}
		seen[pat] = true
		re, err := regexp.Compile(`\A(?:` + pat + `)\z`)
		if err != nil {
			return nil, NewConfigError("bad exclude pattern " + pat).WithCause(ErrConfig)
		}
		out = append(out, re)
	}
	return out, nil
}
