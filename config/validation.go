package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// Validator is implemented by every config section.
type Validator interface {
	Validate() error
}

// chain accumulates assertion failures into a single error.
type chain struct {
	failFast   bool
	validators []Validator
}

func newChain(failFast bool) *chain {
	return &chain{failFast: failFast}
}

type assertion struct {
	ok      bool
	message string
}

func (a assertion) Validate() error {
	if a.ok {
		return nil
	}
	return fmt.Errorf("%s", a.message)
}

type notEmpty struct {
	field string
	value string
}

func (n notEmpty) Validate() error {
	if strings.TrimSpace(n.value) == "" {
		return fmt.Errorf("%s is required", n.field)
	}
	return nil
}

func (c *chain) add(v Validator) *chain {
	c.validators = append(c.validators, v)
	return c
}

func (c *chain) assert(ok bool, format string, args ...any) *chain {
	return c.add(assertion{ok: ok, message: fmt.Sprintf(format, args...)})
}

func (c *chain) required(field, value string) *chain {
	return c.add(notEmpty{field: field, value: value})
}

func (c *chain) Validate() error {
	var violations error
	for _, v := range c.validators {
		if err := v.Validate(); err != nil {
			if c.failFast {
				return err
			}
			violations = multierr.Append(violations, err)
		}
	}
	return violations
}
