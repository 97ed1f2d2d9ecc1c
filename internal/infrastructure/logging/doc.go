// Package logging wraps log/slog for devlink.
//
// Every entry carries service=devlink and the build version. Output is JSON
// or text on stdout or stderr, chosen by the logging section of
// devlink.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// The level lives in a slog.LevelVar, so SetLevel takes effect on loggers
// already derived with With. cmd/devlink calls it when the config file
// changes.
//
//	log := logging.New(cfg.Logging, version)
//	log.With("component", "pairing").Info("session started", "session", id)
//
// Device auth tokens and relay ui tokens must never be logged in full.
package logging
