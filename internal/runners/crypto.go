package runners

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

const hashParamsSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string"},
    "target": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256", "sha512", "sha384", "sha1", "md5"], "default": "sha256"}
  }
}`

const hmacParamsSchema = `{
  "type": "object",
  "required": ["key"],
  "properties": {
    "key": {"type": "string", "minLength": 1},
    "field": {"type": "string"},
    "target": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256", "sha512", "sha384", "sha1", "md5"], "default": "sha256"}
  }
}`

const uuidParamsSchema = `{
  "type": "object",
  "properties": {
    "target": {"type": "string"}
  }
}`

// CryptoRunners returns the digest and identifier runners.
func CryptoRunners() []Runner {
	return []Runner{
		&hashRunner{},
		&hmacRunner{},
		&uuidRunner{},
	}
}

// hashFunc returns the constructor for the named algorithm.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// digestInput returns the bytes a digest is computed over: item[field] when
// field is set, the whole item otherwise. Strings are used verbatim, other
// values as their JSON encoding.
func digestInput(item any, field string) ([]byte, error) {
	v := item
	if field != "" {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "item is %T, cannot read field %q", item, field)
		}
		v = obj[field]
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

// --- crypto.hash ---

type hashRunner struct{}

func (r *hashRunner) Name() string { return "crypto.hash" }

func (r *hashRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Hash each item, or one of its fields, and store the hex digest on the item",
		ParamsSchema: json.RawMessage(hashParamsSchema),
	}
}

func (r *hashRunner) Validate(params map[string]any) error {
	_, err := hashFunc(stringParam(params, "algorithm", "sha256"))
	return err
}

func (r *hashRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	newHash, err := hashFunc(stringParam(in.Params, "algorithm", "sha256"))
	if err != nil {
		return nil, err
	}
	field := stringParam(in.Params, "field", "")
	target := stringParam(in.Params, "target", "hash")

	n, err := eachItem(in, func(scope expressions.Scope) error {
		data, err := digestInput(scope.Item, field)
		if err != nil {
			return err
		}
		h := newHash()
		h.Write(data)
		out[0] = append(out[0], setFields(scope.Item, map[string]any{target: hex.EncodeToString(h.Sum(nil))}))
		return nil
	})
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	return out, nil
}

// --- crypto.hmac ---

type hmacRunner struct{}

func (r *hmacRunner) Name() string { return "crypto.hmac" }

func (r *hmacRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Sign each item, or one of its fields, with an HMAC and store the hex digest on the item",
		ParamsSchema: json.RawMessage(hmacParamsSchema),
	}
}

func (r *hmacRunner) Validate(params map[string]any) error {
	if err := requireString(r.Name(), params, "key"); err != nil {
		return err
	}
	_, err := hashFunc(stringParam(params, "algorithm", "sha256"))
	return err
}

func (r *hmacRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	newHash, err := hashFunc(stringParam(in.Params, "algorithm", "sha256"))
	if err != nil {
		return nil, err
	}
	key := []byte(stringParam(in.Params, "key", ""))
	field := stringParam(in.Params, "field", "")
	target := stringParam(in.Params, "target", "hmac")

	n, err := eachItem(in, func(scope expressions.Scope) error {
		data, err := digestInput(scope.Item, field)
		if err != nil {
			return err
		}
		mac := hmac.New(newHash, key)
		mac.Write(data)
		out[0] = append(out[0], setFields(scope.Item, map[string]any{target: hex.EncodeToString(mac.Sum(nil))}))
		return nil
	})
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	return out, nil
}

// --- crypto.uuid ---

type uuidRunner struct{}

func (r *uuidRunner) Name() string { return "crypto.uuid" }

func (r *uuidRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Stamp each item with a fresh v4 UUID; as a start node, emit one item holding a UUID",
		ParamsSchema: json.RawMessage(uuidParamsSchema),
	}
}

func (r *uuidRunner) Validate(map[string]any) error { return nil }

func (r *uuidRunner) Run(_ context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	target := stringParam(in.Params, "target", "uuid")

	for _, item := range in.Inputs.Flatten() {
		out[0] = append(out[0], setFields(item, map[string]any{target: uuid.New().String()}))
	}
	if len(out[0]) == 0 && in.IsStart() {
		out[0] = append(out[0], map[string]any{target: uuid.New().String()})
	}
	return out, nil
}
