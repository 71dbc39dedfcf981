package config

import (
	"github.com/cuemby/stackman/pkg/types"
)

// Codec encrypts secret values at rest
type Codec interface {
	EncryptValue(plaintext string) (string, error)
	DecryptValue(stored string) (string, error)
}

// walkSecrets rewrites every string held by a secret parameter
func walkSecrets(spec *types.ConfigSpec, values map[string]any, fn func(string) (string, error)) error {
	if spec == nil {
		return nil
	}
	for i := range spec.Params {
		p := &spec.Params[i]
		if !p.Type.IsSecret() {
			continue
		}
		switch v := Get(values, p).(type) {
		case string:
			out, err := fn(v)
			if err != nil {
				return valueError(p.Path(), "%v", err)
			}
			Set(values, p, out)
		case map[string]any:
			for k, item := range v {
				s, ok := item.(string)
				if !ok {
					continue
				}
				out, err := fn(s)
				if err != nil {
					return valueError(p.Path(), "%v", err)
				}
				v[k] = out
			}
		}
	}
	return nil
}

// EncryptSecrets encrypts secret parameters in place
func EncryptSecrets(spec *types.ConfigSpec, values map[string]any, codec Codec) error {
	return walkSecrets(spec, values, codec.EncryptValue)
}

// DecryptSecrets decrypts secret parameters in place
func DecryptSecrets(spec *types.ConfigSpec, values map[string]any, codec Codec) error {
	return walkSecrets(spec, values, codec.DecryptValue)
}

// MaskSecrets replaces non-empty secret values with Mask
func MaskSecrets(spec *types.ConfigSpec, values map[string]any) {
	_ = walkSecrets(spec, values, func(s string) (string, error) {
		if s == "" {
			return s, nil
		}
		return Mask, nil
	})
}

// RestoreMasked puts back previous values wherever a caller sent Mask
func RestoreMasked(spec *types.ConfigSpec, values, previous map[string]any) {
	if spec == nil {
		return
	}
	for i := range spec.Params {
		p := &spec.Params[i]
		if !p.Type.IsSecret() {
			continue
		}
		switch v := Get(values, p).(type) {
		case string:
			if v == Mask {
				Set(values, p, Get(previous, p))
			}
		case map[string]any:
			prev, _ := Get(previous, p).(map[string]any)
			for k, item := range v {
				if item == Mask {
					v[k] = prev[k]
				}
			}
		}
	}
}
