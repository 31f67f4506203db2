package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	mu    sync.Mutex
	cache = make(map[reflect.Type]any)

	defaultEnvLoaded sync.Once
)

// Load parses environment variables into v according to its env tags.
// The first successful parse of each config type is cached and copied into
// later calls, so every component sees the same values. Failed parses are not
// cached. The default .env file is read once, if present, before the first parse;
// variables already set in the process environment win.
//
//	type Config struct {
//		Addr    string        `env:"HTTP_ADDR" envDefault:":8080"`
//		Timeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	defaultEnvLoaded.Do(func() {
		// The file is optional
		_ = godotenv.Load()
	})

	key := reflect.TypeFor[T]()

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}

	var parsed T
	if err := env.Parse(&parsed); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	cache[key] = parsed
	*v = parsed
	return nil
}

// MustLoad works like Load but panics on failure.
// Use it for configuration the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

// LoadEnv reads the given .env files into the process environment.
// Earlier files win over later ones and existing variables are never overridden.
// Call it before the first Load.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return errors.Join(ErrLoadingEnvFile, err)
	}
	return nil
}

// MustLoadEnv works like LoadEnv but panics on failure.
func MustLoadEnv(paths ...string) {
	if err := LoadEnv(paths...); err != nil {
		panic(err)
	}
}

// ResetCache forgets every cached config, so the next Load parses the environment again.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	clear(cache)
}
