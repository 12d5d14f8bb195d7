package config

import "errors"

// Config-time errors: all fatal at startup, per the teacher's sentinel
// error convention (internal/config/config.go) and the exact error kinds
// named by original_source/src/config.rs's ConfigError.
var (
	ErrNoUpstream        = errors.New("config: at least one default upstream server is required")
	ErrInvalidAddress    = errors.New("config: invalid address")
	ErrNoTLSHost         = errors.New("config: tls-host is missing")
	ErrBindAddress       = errors.New("config: invalid bind address")
	ErrUnknownUpstream   = errors.New("config: rule references unknown upstream")
	ErrUnknownDomainSet  = errors.New("config: rule references unknown domain set")
	ErrUnknownIPRange    = errors.New("config: rule references unknown ip range")
	ErrUnknownRecordType = errors.New("config: unknown record type")
	ErrUnknownAction     = errors.New("config: unknown response rule action")
	ErrUnknownNetwork    = errors.New("config: unknown upstream network")
)
