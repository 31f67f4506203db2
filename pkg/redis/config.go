package redis

import "time"

type Config struct {
	ConnectionURL   string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"` // ConnectionURL is the URL of the database. It should be in the format "redis://:password@localhost:6379/0"
	RetryAttempts   int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`                      // RetryAttempts is the number of startup ping attempts made by WaitReady.
	RetryInterval   time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`                     // RetryInterval is the interval between startup ping attempts.
	ConnectTimeout  time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`                   // ConnectTimeout bounds WaitReady as a whole.
	DialTimeout     time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`                       // DialTimeout bounds a single dial of the provider's client.
	MaxRetryBackoff time.Duration `env:"REDIS_MAX_RETRY_BACKOFF" envDefault:"30s"`                 // MaxRetryBackoff caps the wait between consecutive failed dials.
}
