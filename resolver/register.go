package resolver

import "sync"

// Register builds a resource from configuration, such as a client that
// handlers share.
type Register[C, T any] func(conf C) (T, error)

// Once returns a Register that builds its value on the first Resolve and
// hands the same value, or the same error, to every later call. Later
// configurations are ignored.
func Once[C, T any](build func(conf C) (T, error)) Register[C, T] {
	var (
		once  sync.Once
		value T
		err   error
	)
	return func(conf C) (T, error) {
		once.Do(func() { value, err = build(conf) })
		return value, err
	}
}

// Factory returns a Register that builds a new value on every Resolve.
func Factory[C, T any](build func(conf C) (T, error)) Register[C, T] {
	return Register[C, T](build)
}

func (r Register[C, T]) Resolve(conf C) (T, error) {
	return r(conf)
}
