// Package environment carries the deployment environment (development,
// staging or production) through configuration, contexts and HTTP requests.
//
// The admin API uses it to decide how much error detail reaches clients, and
// the logger factory uses it to pick output format and level:
//
//	var cfg environment.Config
//	config.MustLoad(&cfg)
//	env := cfg.Environment()
//
//	router.Use(environment.Middleware(env))
//	if environment.IsProduction(r.Context()) {
//		// hide internals
//	}
package environment
