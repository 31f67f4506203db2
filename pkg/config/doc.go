// Package config loads typed configuration from environment variables.
//
// Structs are described with `env` and `envDefault` tags (github.com/caarlos0/env/v11).
// An optional .env file in the working directory is read once with
// github.com/joho/godotenv before the first parse; real environment variables
// always take precedence.
//
// Each config type is parsed once and cached, so packages that load the same
// struct agree on its values:
//
//	var redisCfg redis.Config
//	config.MustLoad(&redisCfg)
//
// Extra env files can be read with LoadEnv before the first Load. Tests that
// change the environment between loads call ResetCache.
package config
