package runners

import (
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/validation"
)

// RegisterBuiltins registers all built-in runners in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	all := make([]Runner, 0, 11)
	all = append(all, CoreRunners()...)
	all = append(all, NewIfRunner(cel))
	all = append(all, TransformRunners()...)
	all = append(all, CryptoRunners()...)
	all = append(all, NewHTTPRequestRunner(httpCfg))
	all = append(all, NewSchemaRunner(validator))

	for _, rn := range all {
		if err := reg.Register(rn); err != nil {
			return err
		}
	}
	return nil
}
