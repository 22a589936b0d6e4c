package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Params controls Argon2id cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds what signup accepts as a password.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the hashing cost plus the signup policy.
type Config struct {
	Params Params
	Policy Policy
}

// Env keys read by FromEnv.
const (
	EnvMinLen      = "PAIRLINE_PASSWORD_MIN_LEN"
	EnvMaxLen      = "PAIRLINE_PASSWORD_MAX_LEN"
	EnvRejectWeak  = "PAIRLINE_PASSWORD_REJECT_VERY_WEAK"
	EnvMemoryKiB   = "PAIRLINE_ARGON2_MEMORY_KIB"
	EnvIterations  = "PAIRLINE_ARGON2_ITERATIONS"
	EnvParallelism = "PAIRLINE_ARGON2_PARALLELISM"
	EnvSaltLength  = "PAIRLINE_ARGON2_SALT_LEN"
	EnvKeyLength   = "PAIRLINE_ARGON2_KEY_LEN"
)

// DefaultConfig is tuned for interactive relay logins.
func DefaultConfig() Config {
	threads := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Params{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

type envField struct {
	key string
	set func(cfg *Config, raw string) error
}

var envFields = []envField{
	{EnvMinLen, func(c *Config, v string) (err error) {
		c.Policy.MinLength, err = parseIntIn(v, 1, 1024)
		return err
	}},
	{EnvMaxLen, func(c *Config, v string) (err error) {
		c.Policy.MaxLength, err = parseIntIn(v, 1, 4096)
		return err
	}},
	{EnvRejectWeak, func(c *Config, v string) (err error) {
		c.Policy.RejectVeryWeak, err = parseBool(v)
		return err
	}},
	{EnvMemoryKiB, func(c *Config, v string) (err error) {
		c.Params.MemoryKiB, err = parseU32In(v, 8*1024, 1024*1024)
		return err
	}},
	{EnvIterations, func(c *Config, v string) (err error) {
		c.Params.Iterations, err = parseU32In(v, 1, 20)
		return err
	}},
	{EnvParallelism, func(c *Config, v string) error {
		u, err := parseU32In(v, 1, math.MaxUint8)
		if err != nil {
			return err
		}
		c.Params.Parallelism = uint8(u) // #nosec G115 -- bounded above.
		return nil
	}},
	{EnvSaltLength, func(c *Config, v string) (err error) {
		c.Params.SaltLength, err = parseU32In(v, 8, 64)
		return err
	}},
	{EnvKeyLength, func(c *Config, v string) (err error) {
		c.Params.KeyLength, err = parseU32In(v, 16, 64)
		return err
	}},
}

// FromEnv starts from DefaultConfig and applies any PAIRLINE_PASSWORD_* and
// PAIRLINE_ARGON2_* overrides present in the environment.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, f := range envFields {
		v, ok := os.LookupEnv(f.key)
		if !ok {
			continue
		}
		if err := f.set(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", f.key, err)
		}
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}

func parseIntIn(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return n, nil
}

func parseU32In(s string, lo, hi uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < lo || u > hi {
		return 0, fmt.Errorf("out of range [%d..%d]", lo, hi)
	}
	return u, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean")
	}
}
