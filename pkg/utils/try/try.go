package try

// Fataler is something having method `Fatal`, like *testing.T or *log.Logger.
type Fataler interface {
	Fatal(...any)
}

// Either is a pair of (T, error).
//
// When error is nil, the value is valid.
type Either[T any] struct {
	value T
	err   error
}

// To wraps a pair of (value, error), typically a return of a function call.
func To[T any](value T, err error) Either[T] {
	return Either[T]{value: value, err: err}
}

// Get returns the pair back.
func (e Either[T]) Get() (T, error) {
	if e.err != nil {
		return *new(T), e.err
	}
	return e.value, nil
}

// OrFatal returns the value if no error.
//
// Otherwise, it calls ftl.Fatal(err).
// If ftl has "Helper()" method (like *testing.T), also that is called before `Fatal`.
func (e Either[T]) OrFatal(ftl Fataler) T {
	if e.err == nil {
		return e.value
	}
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper()
	}
	ftl.Fatal(e.err)
	return *new(T)
}

// OrDefault returns the value if no error, otherwise d.
func (e Either[T]) OrDefault(d T) T {
	if e.err != nil {
		return d
	}
	return e.value
}
