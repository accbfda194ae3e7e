// Package config loads and validates Insieme server/client configuration
// documents written in CUE, grounded on the teacher's internal/cli/loader.go
// LoadSpecs/LoadResult/LoadError shape - generalized from loading a
// directory of concept/sync specs to compiling one config document
// against a single embedded schema.
package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// LoadError mirrors the teacher's LoadError shape: a coded, positioned
// CUE validation failure.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeParseFailed    = "C001"
	ErrCodeUnifyFailed    = "C002"
	ErrCodeValidateFailed = "C003"
	ErrCodeDecodeFailed   = "C004"
)

// ServerConfig configures the `insieme serve` command.
type ServerConfig struct {
	ListenPath       string `json:"listen_path"`
	DBPath           string `json:"db_path"`
	MaxSessionRate   int    `json:"max_session_rate"`
	SyncDefaultLimit int    `json:"sync_default_limit"`
}

// ReconnectConfig is the client's backoff policy.
type ReconnectConfig struct {
	Enabled     bool    `json:"enabled"`
	InitialMS   int     `json:"initial_ms"`
	MaxMS       int     `json:"max_ms"`
	Factor      float64 `json:"factor"`
	Jitter      float64 `json:"jitter"`
	MaxAttempts int     `json:"max_attempts"`
}

// ClientConfig configures the `insieme sync` command.
type ClientConfig struct {
	ClientID           string          `json:"client_id"`
	Token              string          `json:"token"`
	ServerAddr         string          `json:"server_addr"`
	DBPath             string          `json:"db_path"`
	Partitions         []string        `json:"partitions"`
	SyncLimit          int             `json:"sync_limit"`
	HandshakeTimeoutMS int             `json:"handshake_timeout_ms"`
	Reconnect          ReconnectConfig `json:"reconnect"`
}

// LoadServerConfig compiles source (CUE document text) against the
// embedded #Server schema and decodes the result.
func LoadServerConfig(source []byte) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := load(source, "#Server", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClientConfig compiles source against the embedded #Client schema
// and decodes the result.
func LoadClientConfig(source []byte) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := load(source, "#Client", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(source []byte, schemaPath string, dst any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if schema.Err() != nil {
		return &LoadError{Code: ErrCodeParseFailed, Message: schema.Err().Error()}
	}

	doc := ctx.CompileBytes(source, cue.Filename("config"))
	if doc.Err() != nil {
		return &LoadError{Code: ErrCodeParseFailed, Message: doc.Err().Error()}
	}

	schemaDef := schema.LookupPath(cue.ParsePath(schemaPath))
	if !schemaDef.Exists() {
		return &LoadError{Code: ErrCodeUnifyFailed, Message: fmt.Sprintf("schema path %s not found", schemaPath)}
	}

	unified := doc.Unify(schemaDef)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &LoadError{Code: ErrCodeValidateFailed, Message: err.Error()}
	}

	if err := unified.Decode(dst); err != nil {
		return &LoadError{Code: ErrCodeDecodeFailed, Message: err.Error()}
	}
	return nil
}
