package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Encode serializes v for the command line.
func Encode(enc Encoding, v interface{}) (string, error) {
	if err := enc.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	if enc == EncodingJSON {
		return string(data), nil
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a command-line payload into target.
func Decode(enc Encoding, payload string, target interface{}) error {
	if err := enc.Validate(); err != nil {
		return err
	}

	data := []byte(payload)
	if enc == EncodingB64JSON {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fmt.Errorf("failed to decode base64 payload: %w", err)
		}
		data = decoded
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// EncodeConfig serializes a resolved project configuration.
func EncodeConfig(enc Encoding, cfg *engine.Config) (string, error) {
	return Encode(enc, cfg)
}

// DecodeConfig parses a configuration payload. Services keep their declared order.
func DecodeConfig(enc Encoding, payload string) (*engine.Config, error) {
	var cfg engine.Config
	if err := Decode(enc, payload, &cfg); err != nil {
		return nil, engine.ErrConfigInvalid("", fmt.Errorf("failed to decode config: %w", err))
	}
	return &cfg, nil
}

// EncodeParams serializes invocation parameters after validating them.
func EncodeParams(enc Encoding, p *Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid params: %w", err)
	}
	return Encode(enc, p)
}

// DecodeParams parses and validates a parameters payload.
func DecodeParams(enc Encoding, payload string) (*Params, error) {
	var p Params
	if err := Decode(enc, payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return &p, nil
}
