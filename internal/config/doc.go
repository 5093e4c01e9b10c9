// Package config provides loading and environment overlay for Quill runtime
// configuration. It exposes a Default() baseline, file loading from JSON or
// YAML, and a QUILL_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/quill.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	rt, _ := runtime.Open(runtime.Options{DataDir: config.DefaultDataDir(), Config: cfg})
//	defer rt.Close()
package config
